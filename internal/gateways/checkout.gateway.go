package gateway

import (
	"context"
	"errors"
)

var ErrNoCheckoutURL = errors.New("checkout returned no url")

type checkoutResponse struct {
	URL string `json:"url"`
}

// CheckoutByToken asks for a checkout session bound to a proposal token.
func (c *FunctionsClient) CheckoutByToken(ctx context.Context, token string) (string, error) {
	return c.checkout(ctx, c.config.Names.CheckoutByToken, map[string]string{"token": token})
}

// CheckoutByCase asks for a checkout session for a case already linked to a
// client.
func (c *FunctionsClient) CheckoutByCase(ctx context.Context, caseID string) (string, error) {
	return c.checkout(ctx, c.config.Names.CheckoutByCase, map[string]string{"caso_id": caseID})
}

func (c *FunctionsClient) checkout(ctx context.Context, function string, payload any) (string, error) {
	var resp checkoutResponse
	if err := c.Invoke(ctx, function, payload, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", ErrNoCheckoutURL
	}
	return resp.URL, nil
}
