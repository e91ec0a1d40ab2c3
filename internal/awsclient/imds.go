package awsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// identityDocument is the subset of the IMDS instance-identity document
// mqless needs (spec.md §4.2.1).
type identityDocument struct {
	Region string `json:"region"`
}

// securityCredentials is the IMDS role-credentials document. Code must
// equal "Success" (spec.md §9 #2 resolves the source's case-inconsistent
// comparison in favor of the AWS-documented literal).
type securityCredentials struct {
	Code            string `json:"Code"`
	AccessKeyId     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	Token           string `json:"Token"`
}

// RefreshCredentials begins (or resumes) the IMDS bootstrap state machine
// asynchronously: it issues the HTTP GET for the current state and
// returns immediately. The response, once it arrives, is delivered as a
// Results() thunk that advances the state machine and, if not yet DONE,
// issues the next request in turn.
func (c *Client) RefreshCredentials() {
	switch c.bootstrapState {
	case StateRegion:
		c.fetchRegion()
	case StateRole:
		c.fetchRole()
	case StateCredentials:
		c.fetchCredentials()
	case StateDone, StateError:
		// A fresh refresh cycle re-derives credentials for the known role.
		c.bootstrapState = StateCredentials
		c.fetchCredentials()
	}
}

// RefreshCredentialsSync drives the same state machine but blocks the
// calling goroutine, performing each IMDS GET sequentially and advancing
// bootstrapState synchronously until it reaches DONE or ERROR. Used only
// at startup (spec.md §4.2 "refresh_credentials_sync").
func (c *Client) RefreshCredentialsSync(ctx context.Context) error {
	for c.bootstrapState != StateDone && c.bootstrapState != StateError {
		switch c.bootstrapState {
		case StateRegion:
			doc, err := c.imdsGetJSON(ctx, "/latest/dynamic/instance-identity/document", &identityDocument{})
			if err != nil {
				c.bootstrapState = StateError
				return err
			}
			region := doc.(*identityDocument).Region
			if region == "" {
				c.bootstrapState = StateError
				return fmt.Errorf("imds: instance-identity document missing region")
			}
			c.region = region
			c.bootstrapState = StateRole
		case StateRole:
			role, err := c.imdsGetText(ctx, "/latest/meta-data/iam/security-credentials/")
			if err != nil {
				c.bootstrapState = StateError
				return err
			}
			if role == "" {
				c.bootstrapState = StateError
				return fmt.Errorf("imds: empty role name")
			}
			c.role = role
			c.bootstrapState = StateCredentials
		case StateCredentials:
			creds, err := c.imdsGetJSON(ctx, "/latest/meta-data/iam/security-credentials/"+c.role, &securityCredentials{})
			if err != nil {
				c.bootstrapState = StateError
				return err
			}
			sc := creds.(*securityCredentials)
			if sc.Code != "Success" {
				c.bootstrapState = StateError
				return fmt.Errorf("imds: security-credentials Code=%q, want Success", sc.Code)
			}
			c.rebuildSigner(sc.AccessKeyId, sc.SecretAccessKey, c.region, sc.Token)
			c.bootstrapState = StateDone
		}
	}
	if c.bootstrapState == StateError {
		return fmt.Errorf("imds: bootstrap failed")
	}
	return nil
}

func (c *Client) imdsURL(path string) string {
	return fmt.Sprintf("http://%s%s", c.imdsHost, path)
}

// IMDSURL exposes the IMDS base URL construction for callers outside this
// package that need a one-off metadata lookup not covered by the
// region/role/credentials bootstrap chain (e.g. the CLI's endpoint
// publication, spec.md §4.4).
func (c *Client) IMDSURL(path string) string {
	return c.imdsURL(path)
}

func (c *Client) imdsGetText(ctx context.Context, path string) (string, error) {
	body, err := c.imdsGetTextBytes(ctx, path)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) imdsGetJSON(ctx context.Context, path string, into any) (any, error) {
	body, err := c.imdsGetTextBytes(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, into); err != nil {
		return nil, fmt.Errorf("imds: %s returned malformed json: %w", path, err)
	}
	return into, nil
}

func (c *Client) imdsGetTextBytes(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.imdsURL(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("imds: %s returned status %d", path, resp.StatusCode)
	}
	return body, nil
}

// fetchRegion, fetchRole, and fetchCredentials are the async counterparts
// of RefreshCredentialsSync's three branches: each spawns a goroutine that
// performs one blocking IMDS GET, then delivers the parsed result (or
// error) as a thunk via Results(), continuing the chain by calling the
// next fetch* method — still on the loop goroutine, since thunks only
// ever run there.
func (c *Client) fetchRegion() {
	go func() {
		doc := &identityDocument{}
		body, err := c.imdsGetTextBytes(context.Background(), "/latest/dynamic/instance-identity/document")
		if err == nil {
			err = json.Unmarshal(body, doc)
		}
		c.results <- func() {
			if err != nil || doc.Region == "" {
				c.bootstrapState = StateError
				return
			}
			c.region = doc.Region
			c.bootstrapState = StateRole
			c.fetchRole()
		}
	}()
}

func (c *Client) fetchRole() {
	go func() {
		role, err := c.imdsGetText(context.Background(), "/latest/meta-data/iam/security-credentials/")
		c.results <- func() {
			if err != nil || role == "" {
				c.bootstrapState = StateError
				return
			}
			c.role = role
			c.bootstrapState = StateCredentials
			c.fetchCredentials()
		}
	}()
}

func (c *Client) fetchCredentials() {
	go func() {
		sc := &securityCredentials{}
		body, err := c.imdsGetTextBytes(context.Background(), "/latest/meta-data/iam/security-credentials/"+c.role)
		if err == nil {
			err = json.Unmarshal(body, sc)
		}
		c.results <- func() {
			if err != nil || sc.Code != "Success" {
				c.bootstrapState = StateError
				return
			}
			c.rebuildSigner(sc.AccessKeyId, sc.SecretAccessKey, c.region, sc.Token)
			c.bootstrapState = StateDone
		}
	}()
}
