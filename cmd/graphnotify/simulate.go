package main

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xelth-com/graphnotify/internal/graph"
	"github.com/xelth-com/graphnotify/internal/models"
	"github.com/xelth-com/graphnotify/internal/notifycrypto"
)

type simulateOptions struct {
	URL            string
	SubscriptionID string
	ClientState    string
	Resource       string
	CertPath       string
	OAEPHash       string
	Body           string
	Timeout        time.Duration
}

func newSimulateCmd() *cobra.Command {
	var opts simulateOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "POST a synthetic notification to a running relay",
		Long: `Builds a notification envelope the way the publisher does and posts it to
the relay. With --cert the body is sealed into encrypted content using the
certificate's public key, otherwise a plain resource reference is sent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnvelope(opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			status, err := postEnvelope(ctx, graph.NewHTTPClient(opts.Timeout), opts.URL, env)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "relay answered %d\n", status)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.URL, "url", "http://localhost:3000/listen", "notification endpoint")
	f.StringVar(&opts.SubscriptionID, "subscription", "", "subscription id (required)")
	f.StringVar(&opts.ClientState, "client-state", "", "client state shared with the relay")
	f.StringVar(&opts.Resource, "resource", "", "resource path of the changed item")
	f.StringVar(&opts.CertPath, "cert", "", "encryption certificate; seals --body when set")
	f.StringVar(&opts.OAEPHash, "oaep-hash", "sha1", "OAEP hash used to wrap the data key")
	f.StringVar(&opts.Body, "body", `{"id":"simulated","subject":"simulated notification"}`, "resource JSON")
	f.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("subscription")
	return cmd
}

func buildEnvelope(opts simulateOptions) (*models.Envelope, error) {
	if !json.Valid([]byte(opts.Body)) {
		return nil, errors.New("--body is not valid JSON")
	}

	n := models.Notification{
		SubscriptionID: opts.SubscriptionID,
		ClientState:    opts.ClientState,
		ChangeType:     "created",
		Resource:       opts.Resource,
	}

	if opts.CertPath == "" {
		n.Payload = &models.ResourceRef{ID: uuid.New().String()}
		return &models.Envelope{Value: []models.Notification{n}}, nil
	}

	cert, err := notifycrypto.LoadCertificate(opts.CertPath, "")
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate %s does not hold an RSA key", opts.CertPath)
	}
	hash, err := notifycrypto.OAEPHash(opts.OAEPHash)
	if err != nil {
		return nil, err
	}
	content, err := notifycrypto.Seal(pub, hash, []byte(opts.Body))
	if err != nil {
		return nil, err
	}
	n.Payload = content
	return &models.Envelope{Value: []models.Notification{n}}, nil
}

func postEnvelope(ctx context.Context, client *http.Client, url string, env *models.Envelope) (int, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
