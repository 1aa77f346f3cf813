package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"

	"github.com/example/sheet-mailer/internal/config"
	"github.com/example/sheet-mailer/internal/dispatch"
	"github.com/example/sheet-mailer/internal/logging"
	"github.com/example/sheet-mailer/internal/scheduler"
	"github.com/example/sheet-mailer/internal/sink"
	"github.com/example/sheet-mailer/internal/source"
	"github.com/example/sheet-mailer/internal/state"
)

// app holds everything a command needs. close releases it in reverse order.
type app struct {
	cfg   config.Config
	log   zerolog.Logger
	store state.Store
	sched *scheduler.Scheduler
	disp  *dispatch.Dispatcher

	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.Log), nil
}

// openStore opens only the state store, for commands that never send.
func openStore(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := state.Open(ctx, cfg.State, log)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return &app{cfg: cfg, log: log, store: st, closers: []func() error{st.Close}}, nil
}

// newApp wires the full scheduler. With send false the sink is replaced by a
// logging sink and dry run is forced, so nothing leaves the process.
func newApp(ctx context.Context, send bool) (*app, error) {
	a, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.cfg

	src, err := newSource(cfg, a.log)
	if err != nil {
		a.close()
		return nil, err
	}
	if !send {
		cfg.Sink.Driver = "log"
		cfg.Scheduler.DryRun = true
	}
	snk, closeSink, err := newSink(ctx, cfg, a.log)
	if err != nil {
		a.close()
		return nil, err
	}
	if closeSink != nil {
		a.closers = append(a.closers, closeSink)
	}

	a.disp = dispatch.New(
		sink.NewThrottle(snk, cfg.Sink.RatePerSec, cfg.Sink.Burst),
		a.store,
		dispatch.WithSendTimeout(cfg.Scheduler.SendTimeout),
		dispatch.WithStoreTimeout(cfg.Scheduler.StoreTimeout),
		dispatch.WithLogger(a.log),
		dispatch.WithDryRun(cfg.Scheduler.DryRun),
	)
	a.sched = scheduler.New(scheduler.Config{
		Source:     src,
		Store:      a.store,
		Dispatcher: a.disp,
		Settings:   cfg.Settings(),
		Logger:     a.log,
	})
	return a, nil
}

func newSource(cfg config.Config, log zerolog.Logger) (*source.Adapter, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	var r source.Reader
	switch strings.ToLower(cfg.Source.Kind) {
	case "http":
		r = source.HTTPReader{
			URL:     cfg.Source.URL,
			Headers: cfg.Source.Headers,
			Client:  &http.Client{Timeout: cfg.Scheduler.FetchTimeout},
		}
	default:
		r = source.CSVReader{Path: cfg.Source.Path}
	}
	return source.NewAdapter(r, source.Options{
		Columns:  cfg.Source.Columns,
		Location: loc,
		Logger:   log,
	}), nil
}

func newSink(ctx context.Context, cfg config.Config, log zerolog.Logger) (sink.Sink, func() error, error) {
	sc := cfg.Sink
	switch strings.ToLower(sc.Driver) {
	case "webhook":
		s, err := sink.NewWebhookSink(sc.Webhook.URL, sc.Webhook.Token, cfg.Scheduler.SendTimeout)
		return s, nil, err
	case "ses":
		var opts []func(*awsconfig.LoadOptions) error
		if sc.SES.Region != "" {
			opts = append(opts, awsconfig.WithRegion(sc.SES.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("aws config: %w", err)
		}
		s, err := sink.NewSESSink(awsCfg, sc.SES.From, sc.SES.ConfigurationSet)
		return s, nil, err
	case "kafka":
		s, err := sink.NewKafkaSink(sc.Kafka.Brokers, sc.Kafka.Topic)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return sink.NewLogSink(log), nil, nil
	}
}
