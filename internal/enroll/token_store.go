package enroll

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrTokenInvalid is returned when an enrollment token is unknown, expired
// or already consumed.
var ErrTokenInvalid = errors.New("enrollment token not found or already consumed")

// TokenStore handles one-time instance enrollment tokens in Redis
type TokenStore struct {
	rdb *redis.Client
}

// NewTokenStore creates a new token store
func NewTokenStore(rdb *redis.Client) *TokenStore {
	return &TokenStore{rdb: rdb}
}

// TokenData is what an enrollment token grants: the right to register one
// instance under the given name with the given capabilities.
type TokenData struct {
	InstanceName string   `json:"instanceName"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// GenerateToken generates a random token string
func GenerateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func tokenKey(token string) string {
	return fmt.Sprintf("enroll:token:%s", token)
}

// CreateToken creates a new enrollment token in Redis
func (ts *TokenStore) CreateToken(ctx context.Context, data TokenData, ttlSec int) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token data: %w", err)
	}

	err = ts.rdb.Set(ctx, tokenKey(token), jsonData, time.Duration(ttlSec)*time.Second).Err()
	if err != nil {
		return "", fmt.Errorf("failed to store token in Redis: %w", err)
	}
	return token, nil
}

// ValidateToken checks if a token exists without consuming it
func (ts *TokenStore) ValidateToken(ctx context.Context, token string) (bool, error) {
	exists, err := ts.rdb.Exists(ctx, tokenKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token existence: %w", err)
	}
	return exists > 0, nil
}

// ConsumeToken atomically consumes a token and returns its grant.
// This is the ONLY place where a token should be consumed.
// Uses a Lua script to ensure atomicity: check existence, read data, delete key.
func (ts *TokenStore) ConsumeToken(ctx context.Context, token string) (*TokenData, error) {
	script := `
		local key = KEYS[1]
		local data = redis.call('GET', key)
		if not data then
			return nil
		end
		redis.call('DEL', key)
		return data
	`

	result, err := ts.rdb.Eval(ctx, script, []string{tokenKey(token)}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("failed to execute consume script: %w", err)
	}
	if result == nil {
		return nil, ErrTokenInvalid
	}

	jsonData, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from Redis")
	}

	var data TokenData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token data: %w", err)
	}
	return &data, nil
}

// RevokeToken deletes a token before it is used
func (ts *TokenStore) RevokeToken(ctx context.Context, token string) error {
	return ts.rdb.Del(ctx, tokenKey(token)).Err()
}
