package provisioner

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

//go:embed assets/default_avatar.png
var defaultAvatar []byte

// DefaultAvatar returns the bundled avatar used by the characterai backend.
func DefaultAvatar() []byte {
	return defaultAvatar
}

const maxAvatarBytes = 8 << 20

type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type HTTPImageFetcher struct {
	http *http.Client
}

func NewHTTPImageFetcher(timeout time.Duration) *HTTPImageFetcher {
	return &HTTPImageFetcher{http: &http.Client{Timeout: timeout}}
}

func (f *HTTPImageFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, errors.New("empty avatar url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxAvatarBytes {
		return nil, errors.New("avatar too large")
	}
	if len(data) == 0 {
		return nil, errors.New("empty avatar")
	}
	return data, nil
}
