package cdc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/flitsinc/go-objects/internal/idgen"
)

// HTTPDeliverer calls cdc.ingest on a remote actor through its stateless
// endpoint (<parent url>/rpc).
type HTTPDeliverer struct {
	Client *http.Client
}

func (d *HTTPDeliverer) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

type ingestRequest struct {
	ID     string  `json:"id"`
	Method string  `json:"method"`
	Args   []Batch `json:"args"`
}

type ingestResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (d *HTTPDeliverer) deliver(ctx context.Context, parentURL string, batch Batch) error {
	body, err := json.Marshal(ingestRequest{ID: idgen.Sortable(), Method: "cdc.ingest", Args: []Batch{batch}})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, parentURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	resp, err := d.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read ingest response: %w", err)
	}
	var out ingestResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("ingest status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out.Error != nil {
		return fmt.Errorf("ingest rejected: %s: %s", out.Error.Code, out.Error.Message)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("ingest status %d", resp.StatusCode)
	}
	return nil
}
