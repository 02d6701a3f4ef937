// Package spawn supplies the successor-launch functions the handoff
// controller invokes at division time. The HTTP spawner POSTs the successor
// prompt to an external supervisor (the process manager that actually forks
// agent processes); the log spawner is the standalone fallback.
package spawn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/masc/internal/mitosis"
)

type spawnRequest struct {
	Prompt string `json:"prompt"`
}

type spawnResponse struct {
	PID int `json:"pid"`
}

// HTTP returns a SpawnFunc that POSTs {"prompt": ...} to url and reads the
// supervisor's {"pid": ...} reply.
func HTTP(url string) (mitosis.SpawnFunc, error) {
	client, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
		klient.WithDisableRetry(true),
	)
	if err != nil {
		return nil, fmt.Errorf("spawn: build client: %w", err)
	}

	return func(ctx context.Context, prompt string) (int, error) {
		body, err := json.Marshal(spawnRequest{Prompt: prompt})
		if err != nil {
			return 0, fmt.Errorf("spawn: marshal request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, fmt.Errorf("spawn: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.HTTP.Do(req)
		if err != nil {
			return 0, fmt.Errorf("spawn: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return 0, fmt.Errorf("spawn: supervisor returned %d", resp.StatusCode)
		}

		var out spawnResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, fmt.Errorf("spawn: decode response: %w", err)
		}
		return out.PID, nil
	}, nil
}

// Log returns a SpawnFunc that only records the spawn request. Useful when
// no supervisor endpoint is configured: the successor prompt lands in the
// log (and the handover record) for an operator or external watcher to act
// on.
func Log() mitosis.SpawnFunc {
	return func(_ context.Context, prompt string) (int, error) {
		slog.Warn("no spawn endpoint configured; successor must be launched externally", "prompt_bytes", len(prompt))
		return 0, nil
	}
}
