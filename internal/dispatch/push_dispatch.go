package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Sender delivers a single offer.
type Sender interface {
	SendOffer(ctx context.Context, offer models.Offer) error
}

// PushDispatcher posts offers to a push gateway that fans out to driver apps
// without a live socket.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
}

func NewPushDispatcher(endpoint string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) SendOffer(ctx context.Context, offer models.Offer) error {
	b, err := json.Marshal(map[string]interface{}{"ride_id": offer.RideID, "driver_id": offer.DriverID, "offer": offer})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}

// Fallback tries each sender in order and stops at the first delivery.
type Fallback []Sender

func (f Fallback) SendOffer(ctx context.Context, offer models.Offer) error {
	var errs []error
	for _, s := range f {
		err := s.SendOffer(ctx, offer)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ErrNoSession
	}
	return errors.Join(errs...)
}
