package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/teatime-co/Reflective-Server/internal/auth"
	"github.com/teatime-co/Reflective-Server/internal/backups"
	"github.com/teatime-co/Reflective-Server/internal/database"
	"github.com/teatime-co/Reflective-Server/internal/metricstore"
	"github.com/teatime-co/Reflective-Server/internal/observability"
	"github.com/teatime-co/Reflective-Server/internal/users"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
)

type testEnvironment struct {
	database  *gorm.DB
	users     *users.Service
	backups   *backups.Service
	metrics   *metricstore.Store
	collector *observability.Collector
	realtime  *RealtimeDispatcher
	issuer    *auth.SessionIssuer
	handler   http.Handler
	logs      *observer.ObservedLogs
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:reflective_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	backupService, err := backups.NewService(backups.ServiceConfig{
		Database:    db,
		IDProvider:  backups.NewUUIDProvider(),
		AccessGuard: userService.TierGuard(users.PrivacyTier.AllowsBackupSync),
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to build backup service: %v", err)
	}
	metricStore, err := metricstore.NewStore(metricstore.StoreConfig{
		Database: db,
		Guard:    userService.TierGuard(users.PrivacyTier.AllowsMetricSync),
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to build metric store: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build session issuer: %v", err)
	}

	collector := observability.NewCollector("")
	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:  validator,
		Users:             userService,
		Backups:           backupService,
		Metrics:           metricStore,
		Collector:         collector,
		Realtime:          dispatcher,
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testEnvironment{
		database:  db,
		users:     userService,
		backups:   backupService,
		metrics:   metricStore,
		collector: collector,
		realtime:  dispatcher,
		issuer:    issuer,
		handler:   handler,
		logs:      logs,
	}
}

func (env *testEnvironment) mintToken(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := env.issuer.Issue(context.Background(), auth.SessionIdentity{UserID: userID, Email: userID + "@example.com"})
	if err != nil {
		t.Fatalf("failed to mint session token: %v", err)
	}
	return token
}

func (env *testEnvironment) grantTier(t *testing.T, userID string, tier users.PrivacyTier) {
	t.Helper()
	if err := env.users.SetPrivacyTier(context.Background(), userID, tier); err != nil {
		t.Fatalf("failed to set privacy tier: %v", err)
	}
}

// do sends an authenticated request and returns the recorded response.
func (env *testEnvironment) do(t *testing.T, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(typed))
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var decoded T
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func pushBody(entryID, content, updatedAt, deviceID string) map[string]string {
	return map[string]string{
		"id":                entryID,
		"encrypted_content": base64Text(content),
		"content_iv":        "iv-" + content,
		"content_tag":       "tag-" + content,
		"created_at":        "2025-11-09T10:00:00Z",
		"updated_at":        updatedAt,
		"device_id":         deviceID,
	}
}

func base64Text(value string) string {
	return encodeCiphertext([]byte(value))
}
