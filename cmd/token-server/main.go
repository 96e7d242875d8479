package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/b55585wy/SGGG/internal/api"
	"github.com/b55585wy/SGGG/internal/config"
	"github.com/b55585wy/SGGG/internal/logging"
)

const keyID = "storybook-key-1"

type JWKSResponse struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type tokenRequest struct {
	ClientID   string `json:"client_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

// tokenServer issues RS256 tokens for reader clients in local and test
// deployments and publishes the verification key.
type tokenServer struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
	ttl      time.Duration
	maxTTL   time.Duration
	now      func() time.Time
	logger   *logging.Logger
}

func newTokenServer(cfg config.Auth, logger *logging.Logger) (*tokenServer, error) {
	key, generated, err := loadOrGenerateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	if generated {
		logger.Plain().Info("Generated new RSA key pair for JWT signing")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &tokenServer{
		key:      key,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      ttl,
		maxTTL:   24 * time.Hour,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// loadOrGenerateKey parses a PKCS1 or PKCS8 RSA private key, or generates
// one when pemStr is empty.
func loadOrGenerateKey(pemStr string) (*rsa.PrivateKey, bool, error) {
	if pemStr == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, false, fmt.Errorf("generate RSA key: %w", err)
		}
		return key, true, nil
	}

	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, false, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, errors.New("private key is not RSA")
	}
	return key, false, nil
}

func (s *tokenServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	mux.HandleFunc("GET /public-key.pem", s.handlePublicKey)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("GET "+api.HealthPath, healthHandler)
	return mux
}

func (s *tokenServer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := s.key.PublicKey
	response := JWKSResponse{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: keyID,
		N:   base64UrlEncode(pub.N.Bytes()),
		E:   base64UrlEncode(intToBytes(pub.E)),
	}}}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(response)
}

// handlePublicKey serves the PKIX PEM that JWT_PUBLIC_KEY expects.
func (s *tokenServer) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, api.CodeInternal, "failed to encode public key")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_ = pem.Encode(w, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func (s *tokenServer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, "invalid JSON body")
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusUnprocessableEntity, api.CodeValidation, "client_id is required")
		return
	}

	ttl := s.ttl
	if req.TTLSeconds > 0 {
		ttl = min(time.Duration(req.TTLSeconds)*time.Second, s.maxTTL)
	}

	signed, err := s.issue(req.ClientID, ttl)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("failed to sign token")
		writeError(w, http.StatusInternalServerError, api.CodeInternal, "failed to sign token")
		return
	}
	s.logger.WithContext(r.Context()).WithFields(map[string]any{
		"client_id":  req.ClientID,
		"expires_in": int(ttl.Seconds()),
	}).Info("token issued")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		Token:     signed,
		ExpiresIn: int(ttl.Seconds()),
		TokenType: "Bearer",
	})
}

func (s *tokenServer) issue(subject string, ttl time.Duration) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	})
	token.Header["kid"] = keyID
	return token.SignedString(s.key)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: api.ErrorBody{Code: code, Message: msg}})
}

// base64UrlEncode encodes without padding, as JWK requires.
func base64UrlEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// intToBytes converts an integer to a big-endian byte slice
func intToBytes(i int) []byte {
	if i == 0 {
		return []byte{0}
	}
	var out []byte
	for i > 0 {
		out = append([]byte{byte(i & 0xff)}, out...)
		i >>= 8
	}
	return out
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("token-server")

	s, err := newTokenServer(cfg.Auth, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("token server setup failed")
	}

	srv := &http.Server{
		Addr:              cfg.Auth.TokenPort,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":     srv.Addr,
		"issuer":   s.issuer,
		"audience": s.audience,
	}).Info("token server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("token server failed")
	}
}
