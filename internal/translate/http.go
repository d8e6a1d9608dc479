package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/models"
)

// httpTranslator calls an external translator service. The wire
// contract is a single POST; anything the service marks untranslatable
// comes back as a client error, transport trouble as an internal one.
type httpTranslator struct {
	endpoint string
	client   *http.Client
}

func NewHTTP(endpoint string, timeout time.Duration) Translator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpTranslator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type httpFailure struct {
	Error string `json:"error"`
}

func (t *httpTranslator) Translate(ctx context.Context, req Request) (*models.TranslatedQuery, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "encode translate request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "build translate request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctxErr := apperrors.FromContext(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "translator unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out models.TranslatedQuery
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "decode translate response", err)
		}
		if out.Query == "" {
			return nil, apperrors.E(apperrors.KindInternal, "translator returned empty query")
		}
		return &out, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var f httpFailure
		_ = json.NewDecoder(resp.Body).Decode(&f)
		msg := f.Error
		if msg == "" {
			msg = "query could not be translated"
		}
		return nil, apperrors.E(apperrors.KindUntranslatable, msg)
	default:
		return nil, apperrors.E(apperrors.KindInternal,
			fmt.Sprintf("translator returned status %d", resp.StatusCode))
	}
}
