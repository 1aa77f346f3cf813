//go:build integration

package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/sheet-mailer/internal/db"
	"github.com/example/sheet-mailer/internal/migrate"
)

func startContainer(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest, port nat.Port) string {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

func TestPostgresStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}
	ctx := context.Background()
	port := nat.Port("5432/tcp")
	addr := startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "secret",
			"POSTGRES_DB":       "mailsched",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(2 * time.Minute),
	}, port)
	url := fmt.Sprintf("postgres://postgres:secret@%s/mailsched?sslmode=disable", addr)

	runStoreSuite(t, func(t *testing.T) Store {
		d, err := db.Open(ctx, url)
		require.NoError(t, err)
		_, err = migrate.Up(ctx, d, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, d.Exec(ctx, `TRUNCATE dispatch_attempts, dispatch_blocks`))
		s := NewPostgres(d)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRedisStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}
	ctx := context.Background()
	port := nat.Port("6379/tcp")
	addr := startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{string(port)},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
	}, port)

	n := 0
	runStoreSuite(t, func(t *testing.T) Store {
		n++
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		s := NewRedis(rdb, fmt.Sprintf("test%d", n))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestDynamoStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}
	ctx := context.Background()
	port := nat.Port("8000/tcp")
	addr := startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        "amazon/dynamodb-local:2.5.2",
		ExposedPorts: []string{string(port)},
		Cmd:          []string{"-jar", "DynamoDBLocal.jar", "-inMemory"},
		WaitingFor:   wait.ForListeningPort(port).WithStartupTimeout(time.Minute),
	}, port)

	client := dynamodb.New(dynamodb.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String("http://" + addr),
		Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
	})

	n := 0
	runStoreSuite(t, func(t *testing.T) Store {
		n++
		table := fmt.Sprintf("dispatch_state_%d", n)
		_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(table),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("dispatch_key"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("dispatch_key"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
			},
			BillingMode: types.BillingModePayPerRequest,
		})
		require.NoError(t, err)
		return NewDynamo(client, table)
	})
}
