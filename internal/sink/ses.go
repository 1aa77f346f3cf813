package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSink sends through Amazon SES v2. The message content reference is the
// SES template name; template data carries the task fields.
type SESSink struct {
	client           sesAPI
	fromEmail        string
	configurationSet string
}

func NewSESSink(cfg aws.Config, from, configurationSet string) (*SESSink, error) {
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("ses from address is required")
	}
	return &SESSink{
		client:           sesv2.NewFromConfig(cfg),
		fromEmail:        from,
		configurationSet: configurationSet,
	}, nil
}

func (s *SESSink) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.ContentRef) == "" {
		return Permanentf("ses: task %s has no content_ref (template name)", msg.TaskID)
	}
	data, err := json.Marshal(map[string]string{
		"task_id":      msg.TaskID,
		"recipient":    msg.To,
		"subject":      msg.Subject,
		"scheduled_at": msg.ScheduledAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
	if err != nil {
		return Permanent(err)
	}

	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Template: &types.Template{
				TemplateName: aws.String(msg.ContentRef),
				TemplateData: aws.String(string(data)),
			},
		},
	}
	if s.configurationSet != "" {
		in.ConfigurationSetName = aws.String(s.configurationSet)
	}

	if _, err := s.client.SendEmail(ctx, in); err != nil {
		return classifySES(err)
	}
	return nil
}

// classifySES treats rejections of this particular message as permanent.
// Account-level problems (paused sending, unverified domain, throttling)
// are transient: they clear without the task changing.
func classifySES(err error) error {
	var rejected *types.MessageRejected
	var badRequest *types.BadRequestException
	var notFound *types.NotFoundException
	switch {
	case errors.As(err, &rejected), errors.As(err, &badRequest), errors.As(err, &notFound):
		return Permanent(fmt.Errorf("ses: %w", err))
	default:
		return Transient(fmt.Errorf("ses: %w", err))
	}
}
