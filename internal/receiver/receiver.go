// Package receiver runs on each agent machine and accepts credential pushes
// from the orchestrator.
package receiver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/renameio/v2"
	"github.com/xeipuuv/gojsonschema"
)

const (
	Path          = "/internal/credentials"
	maxBodyBytes  = 1 << 20
	credentialExt = ".json"
)

var ErrMissingToken = errors.New("receiver gateway token is not configured")

// payloadSchema mirrors the document the orchestrator pushes. The provider
// name becomes a file name, so it is restricted to a safe alphabet.
const payloadSchema = `{
  "type": "object",
  "required": ["provider", "access_token"],
  "properties": {
    "provider": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]{0,63}$"},
    "access_token": {"type": "string", "minLength": 1},
    "refresh_token": {"type": "string"},
    "token_expiry": {"type": ["string", "null"]},
    "metadata": {"type": ["object", "null"], "additionalProperties": {"type": "string"}}
  }
}`

type Config struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	CredentialsDir string `mapstructure:"credentials_dir"`
	GatewayToken   string `mapstructure:"gateway_token" json:"-"`
}

type Handler struct {
	dir    string
	token  string
	schema *gojsonschema.Schema
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.GatewayToken == "" {
		return nil, ErrMissingToken
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile payload schema: %w", err)
	}
	if err := os.MkdirAll(cfg.CredentialsDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credentials dir: %w", err)
	}
	return &Handler{dir: cfg.CredentialsDir, token: cfg.GatewayToken, schema: schema}, nil
}

func SetupRoute(engine *gin.Engine, h *Handler) {
	group := engine.Group(Path)
	group.GET("/health", h.Health)
	group.POST("", h.requireToken, h.Receive)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) requireToken(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
		slog.Warn("Rejected credential push", "client_ip", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

// Receive validates a pushed credential and replaces the provider's file.
// POST /internal/credentials
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	result, err := h.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credential payload", "details": details})
		return
	}

	var head struct {
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}

	if err := writeCredential(filepath.Join(h.dir, head.Provider+credentialExt), body); err != nil {
		slog.Error("Failed to store credential", "provider", head.Provider, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store credential"})
		return
	}

	slog.Info("Credential stored", "provider", head.Provider)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeCredential replaces path so readers never observe a partial file.
// The mode is fixed at 0600 regardless of umask.
func writeCredential(path string, data []byte) error {
	return renameio.WriteFile(path, data, 0o600, renameio.WithStaticPermissions(0o600))
}
