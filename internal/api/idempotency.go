package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	// IdempotencyKeyHeader is the header clients use to deduplicate submits
	IdempotencyKeyHeader = "X-Idempotency-Key"

	idempotencyKeyPrefix  = "idempotency:submit:"
	contextIdempotencyKey = "idempotency_key"
)

type idempotencyStatus string

const (
	statusProcessing idempotencyStatus = "processing"
	statusCompleted  idempotencyStatus = "completed"
)

type idempotencyRecord struct {
	Status       idempotencyStatus `json:"status"`
	RequestHash  string            `json:"request_hash"`
	ResponseCode int               `json:"response_code"`
	ResponseBody string            `json:"response_body"`
	CreatedAt    time.Time         `json:"created_at"`
}

// IdempotencyConfig tunes the submit deduplication middleware
type IdempotencyConfig struct {
	Redis redis.Cmdable
	// TTL for completed records
	TTL time.Duration
	// ProcessingTTL bounds the in-flight window; a crashed handler frees
	// the key after this
	ProcessingTTL time.Duration
}

// Idempotency deduplicates submissions carrying X-Idempotency-Key before
// they reach the coordinator. Replays return the cached response; a key
// reused with a different body is rejected. Requests without the header
// pass through; the saga log still dedupes by key end to end.
func Idempotency(cfg *IdempotencyConfig) gin.HandlerFunc {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.ProcessingTTL <= 0 {
		cfg.ProcessingTTL = 60 * time.Second
	}

	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyKeyHeader)
		if key == "" {
			c.Next()
			return
		}
		c.Set(contextIdempotencyKey, key)

		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
		}
		hash := requestHash(c.Request.Method, c.Request.URL.Path, body)

		ctx := c.Request.Context()
		redisKey := idempotencyKeyPrefix + key

		existing, err := getRecord(ctx, cfg.Redis, redisKey)
		if err != nil && !errors.Is(err, redis.Nil) {
			c.Next() // fail open on Redis trouble
			return
		}
		if existing != nil {
			replay(c, existing, hash)
			return
		}

		record := &idempotencyRecord{
			Status:      statusProcessing,
			RequestHash: hash,
			CreatedAt:   time.Now(),
		}
		if !setRecordNX(ctx, cfg.Redis, redisKey, record, cfg.ProcessingTTL) {
			// lost the race to a concurrent submit
			if existing, _ = getRecord(ctx, cfg.Redis, redisKey); existing != nil {
				replay(c, existing, hash)
				return
			}
		}

		rw := &captureWriter{ResponseWriter: c.Writer, body: bytes.NewBuffer(nil)}
		c.Writer = rw

		c.Next()

		record.Status = statusCompleted
		record.ResponseCode = rw.status
		record.ResponseBody = rw.body.String()
		saveRecord(ctx, cfg.Redis, redisKey, record, cfg.TTL)
	}
}

func replay(c *gin.Context, record *idempotencyRecord, hash string) {
	if record.RequestHash != hash {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity,
			Error("IDEMPOTENCY_KEY_REUSED", "idempotency key already used with a different request"))
		return
	}
	if record.Status == statusProcessing {
		c.AbortWithStatusJSON(http.StatusConflict,
			Error("REQUEST_IN_PROGRESS", "a request with this idempotency key is already being processed"))
		return
	}
	c.Data(record.ResponseCode, "application/json", []byte(record.ResponseBody))
	c.Abort()
}

type captureWriter struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func getRecord(ctx context.Context, rdb redis.Cmdable, key string) (*idempotencyRecord, error) {
	result, err := rdb.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	var record idempotencyRecord
	if err := json.Unmarshal([]byte(result), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func setRecordNX(ctx context.Context, rdb redis.Cmdable, key string, record *idempotencyRecord, ttl time.Duration) bool {
	data, err := json.Marshal(record)
	if err != nil {
		return false
	}
	ok, err := rdb.SetNX(ctx, key, string(data), ttl).Result()
	return err == nil && ok
}

func saveRecord(ctx context.Context, rdb redis.Cmdable, key string, record *idempotencyRecord, ttl time.Duration) {
	if data, err := json.Marshal(record); err == nil {
		rdb.Set(ctx, key, string(data), ttl)
	}
}
