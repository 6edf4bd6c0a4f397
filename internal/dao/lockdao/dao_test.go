package lockdao

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/ddb/v2/ddbtest"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	region, instanceID, err := ParseID(NewID("us-east-1", "i-1234abcd"))
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", region)
	assert.Equal(t, "i-1234abcd", instanceID)
	assert.Equal(t, "us-east-1/i-1234abcd:LOCK", NewID("us-east-1", "i-1234abcd").String())

	for _, id := range []ID{"us-east-1/i-1234abcd", "us-east-1/i-1234abcd:OTHER", "i-1234abcd:LOCK"} {
		_, _, err := ParseID(id)
		assert.Error(t, err, id)
	}

	assert.Equal(t, "prod-ec2-resizer-locks", TableName("prod"))
}

type Data struct {
	DAO *DAO
}

func setup(t *testing.T) (ctx context.Context, data Data, cleanup func()) {
	ctx = context.Background()

	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion("us-west-2"),
		config.WithBaseEndpoint("http://localhost:8000"),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("blah", "blah", ""),
		),
	)
	assert.NoError(t, err)

	var (
		client    = dynamodb.NewFromConfig(cfg)
		db        = ddb.New(client)
		tableName = fmt.Sprintf("locks-test-%v", ksuid.New().String())
		table     = db.MustTable(tableName, Record{})
		dao       = New(client, tableName)
	)

	err = table.CreateTableIfNotExists(ctx)
	assert.NoError(t, err)

	return ctx, Data{DAO: dao}, func() {
		_ = table.DeleteTableIfExists(ctx)
	}
}

func TestDAO(t *testing.T) {
	ddbtest.WithTable[Data](t, setup, func(t *testing.T, ctx context.Context, data Data) {
		dao := data.DAO

		t.Run("Acquire_Success", func(t *testing.T) {
			resizeID := ksuid.New().String()
			before := time.Now().Unix()

			record, acquired, err := dao.Acquire(ctx, AcquireInput{
				Region:       "us-east-1",
				InstanceID:   "i-acquire01",
				ResizeID:     resizeID,
				ExecutionArn: "arn:aws:states:us-east-1:123456789012:execution:ec2-safe-resizer:" + resizeID,
			})
			assert.NoError(t, err)
			assert.True(t, acquired)
			assert.NotNil(t, record)

			lock, err := dao.Find(ctx, NewID("us-east-1", "i-acquire01"))
			assert.NoError(t, err)
			require.NotNil(t, lock)
			assert.Equal(t, resizeID, lock.ResizeID)
			assert.Equal(t, "us-east-1/i-acquire01:LOCK", lock.GetID().String())

			expectedTTL := before + 4*3600
			assert.GreaterOrEqual(t, lock.TTL, expectedTTL-5)
			assert.LessOrEqual(t, lock.TTL, expectedTTL+5)
		})

		t.Run("Acquire_Conflict", func(t *testing.T) {
			first := ksuid.New().String()
			second := ksuid.New().String()

			_, acquired, err := dao.Acquire(ctx, AcquireInput{Region: "us-east-1", InstanceID: "i-conflict1", ResizeID: first})
			assert.NoError(t, err)
			assert.True(t, acquired)

			holder, acquired, err := dao.Acquire(ctx, AcquireInput{Region: "us-east-1", InstanceID: "i-conflict1", ResizeID: second})
			assert.NoError(t, err)
			assert.False(t, acquired)
			require.NotNil(t, holder)
			assert.Equal(t, first, holder.ResizeID)

			// same resize retrying
			_, acquired, err = dao.Acquire(ctx, AcquireInput{Region: "us-east-1", InstanceID: "i-conflict1", ResizeID: first})
			assert.NoError(t, err)
			assert.True(t, acquired)
		})

		t.Run("Acquire_Expired", func(t *testing.T) {
			stale := ksuid.New().String()
			dao.now = func() time.Time { return time.Now().Add(-5 * time.Hour) }
			_, acquired, err := dao.Acquire(ctx, AcquireInput{Region: "us-east-1", InstanceID: "i-expired01", ResizeID: stale})
			dao.now = time.Now
			require.NoError(t, err)
			require.True(t, acquired)

			fresh := ksuid.New().String()
			_, acquired, err = dao.Acquire(ctx, AcquireInput{Region: "us-east-1", InstanceID: "i-expired01", ResizeID: fresh})
			assert.NoError(t, err)
			assert.True(t, acquired)
		})

		t.Run("Acquire_Concurrent", func(t *testing.T) {
			const callers = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners []string
			)
			for i := 0; i < callers; i++ {
				resizeID := ksuid.New().String()
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, acquired, err := dao.Acquire(ctx, AcquireInput{Region: "us-east-1", InstanceID: "i-race00001", ResizeID: resizeID})
					assert.NoError(t, err)
					if acquired {
						mu.Lock()
						winners = append(winners, resizeID)
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			require.Len(t, winners, 1)
			lock, err := dao.Find(ctx, NewID("us-east-1", "i-race00001"))
			require.NoError(t, err)
			require.NotNil(t, lock)
			assert.Equal(t, winners[0], lock.ResizeID)
		})

		t.Run("Find_NoLock", func(t *testing.T) {
			lock, err := dao.Find(ctx, NewID("us-east-1", "i-nolock001"))
			assert.NoError(t, err)
			assert.Nil(t, lock)
		})

		t.Run("Release", func(t *testing.T) {
			owner := ksuid.New().String()
			id := NewID("eu-west-1", "i-release01")

			_, acquired, err := dao.Acquire(ctx, AcquireInput{Region: "eu-west-1", InstanceID: "i-release01", ResizeID: owner})
			require.NoError(t, err)
			require.True(t, acquired)

			err = dao.Release(ctx, ReleaseInput{ID: id, ResizeID: ksuid.New().String()})
			assert.ErrorIs(t, err, apperrors.ErrLockNotHeld)

			assert.NoError(t, dao.Release(ctx, ReleaseInput{ID: id, ResizeID: owner}))

			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.Nil(t, lock)

			// already released
			assert.NoError(t, dao.Release(ctx, ReleaseInput{ID: id, ResizeID: owner}))
		})

		t.Run("Delete", func(t *testing.T) {
			id := NewID("eu-west-1", "i-delete001")

			_, acquired, err := dao.Acquire(ctx, AcquireInput{Region: "eu-west-1", InstanceID: "i-delete001", ResizeID: ksuid.New().String()})
			require.NoError(t, err)
			require.True(t, acquired)

			assert.NoError(t, dao.Delete(ctx, id))

			_, acquired, err = dao.Acquire(ctx, AcquireInput{Region: "eu-west-1", InstanceID: "i-delete001", ResizeID: ksuid.New().String()})
			assert.NoError(t, err)
			assert.True(t, acquired)
		})

		t.Run("Isolation", func(t *testing.T) {
			for _, region := range []string{"us-east-1", "us-west-2"} {
				_, acquired, err := dao.Acquire(ctx, AcquireInput{Region: region, InstanceID: "i-isolate01", ResizeID: ksuid.New().String()})
				assert.NoError(t, err)
				assert.True(t, acquired, region)
			}
		})
	})
}
