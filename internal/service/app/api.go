package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"xchat/internal/model"
)

var errKeyNotFound = errors.New("no peer knows the public key")

// pubKeyURL turns a peer websocket URL into the URL of its public key lookup.
func pubKeyURL(peer, addr string) (string, error) {
	u, err := url.Parse(peer)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported peer scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/peer") + "/pubkey/" + url.PathEscape(addr)
	u.RawQuery = ""
	return u.String(), nil
}

func (c *App) getPublicKey(ctx context.Context, peer, addr string) ([]byte, error) {
	u, err := pubKeyURL(peer, addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", u, resp.Status)
	}

	var pk model.PublicKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&pk); err != nil {
		return nil, err
	}
	if pk.Address != addr {
		return nil, fmt.Errorf("%s answered for %s", u, pk.Address)
	}
	return pk.PubKey, nil
}

// lookupPublicKey asks each configured peer in turn.
func (c *App) lookupPublicKey(ctx context.Context, addr string) ([]byte, error) {
	for _, peer := range c.peers {
		pub, err := c.getPublicKey(ctx, peer, addr)
		if err == nil {
			return pub, nil
		}
		c.logf("[gray]%s: %v[-]", peer, err)
	}
	return nil, fmt.Errorf("%w: %s", errKeyNotFound, addr)
}
