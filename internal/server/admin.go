package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rakunlabs/masc/internal/crypto"
)

// ─── Key Rotation API ───

type rotateKeyRequest struct {
	// EncryptionKey is the new encryption passphrase. Rotating to an empty
	// passphrase is rejected: MASC's storage decorator is either present or
	// absent for the life of the process, so "disable encryption" means
	// restarting without MASC_ENCRYPTION_KEY rather than hot-swapping to
	// plaintext.
	EncryptionKey string `json:"encryption_key"`
}

// RotateKeyAPI handles POST /api/v1/settings/rotate-key.
// It re-encrypts every stored value with a new key.
// When clustering is enabled, it acquires a distributed lock and broadcasts
// the new key to all peers after the store has been rewritten.
func (s *Server) RotateKeyAPI(w http.ResponseWriter, r *http.Request) {
	if s.rotator == nil {
		httpResponse(w, "encryption is not enabled on this instance", http.StatusBadRequest)
		return
	}

	var req rotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.EncryptionKey == "" {
		httpResponse(w, "encryption_key must not be empty", http.StatusBadRequest)
		return
	}

	newKey, err := crypto.DeriveKey(req.EncryptionKey)
	if err != nil {
		httpResponse(w, fmt.Sprintf("invalid encryption key: %v", err), http.StatusBadRequest)
		return
	}

	// If clustering is enabled, acquire distributed lock first.
	if s.cluster != nil {
		if err := s.cluster.Lock(r.Context()); err != nil {
			slog.Error("failed to acquire distributed lock for key rotation", "error", err)
			httpResponse(w, fmt.Sprintf("failed to acquire distributed lock: %v", err), http.StatusServiceUnavailable)
			return
		}
		defer func() {
			if err := s.cluster.Unlock(); err != nil {
				slog.Error("failed to release distributed lock", "error", err)
			}
		}()
	}

	if err := s.rotator.RotateKey(r.Context(), newKey); err != nil {
		slog.Error("encryption key rotation failed", "error", err)
		httpResponse(w, fmt.Sprintf("key rotation failed: %v", err), http.StatusInternalServerError)
		return
	}

	// If clustering is enabled, broadcast the new key to all peers.
	if s.cluster != nil {
		if err := s.cluster.BroadcastNewKey(r.Context(), newKey); err != nil {
			// Rotation succeeded in the store but broadcast failed. Log
			// prominently so the operator knows peer instances may need a
			// restart.
			slog.Error("key rotation succeeded but peer broadcast failed — other instances may need a restart",
				"error", err,
			)
		}
	}

	httpResponse(w, "encryption key rotated successfully", http.StatusOK)
}
