package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Sternrassler/workforce-harvester/pkg/pagination"
	"github.com/Sternrassler/workforce-harvester/pkg/record"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	acceptHeader = "application/json;masked=false"
	maxBodyBytes = 32 << 20
)

// IssueToken performs the client-credentials grant against AuthURL and
// returns the access token. Any failure is ErrAuthFailure.
func (c *Client) IssueToken(ctx context.Context) (string, error) {
	if c.config.ClientID == "" || c.config.ClientSecret == "" {
		return "", fmt.Errorf("%w: client id and secret are required", ErrAuthFailure)
	}

	cc := clientcredentials.Config{
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
		TokenURL:     c.config.AuthURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := cc.Token(ctx)
	if err != nil {
		errorsTotal.WithLabelValues("auth").Inc()
		requestsTotal.WithLabelValues("token", "error").Inc()
		c.logger.Error().Err(err).Msg("Token issuance failed")
		return "", fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	if tok.AccessToken == "" {
		requestsTotal.WithLabelValues("token", "empty").Inc()
		return "", fmt.Errorf("%w: empty access token", ErrAuthFailure)
	}

	requestsTotal.WithLabelValues("token", "200").Inc()
	c.logger.Debug().Msg("Access token issued")
	return tok.AccessToken, nil
}

// FetchPage requests one base page. 204 is end-of-data. A 200 body that
// cannot be decoded yields an empty page that is not the end. Any other
// status is a transport failure, retried under the network policy before it
// is returned. Failures Do already retried are not retried again.
func (c *Client) FetchPage(ctx context.Context, accessToken string, cursor pagination.Cursor) (pagination.Page, error) {
	q := url.Values{}
	if c.config.BaseSelect != "" {
		q.Set("$select", c.config.BaseSelect)
	}
	q.Set("$skip", strconv.Itoa(cursor.Skip))
	q.Set("$top", strconv.Itoa(cursor.Top))
	pageURL := c.config.SelectURL + "?" + q.Encode()

	var page pagination.Page
	var errClass ErrorClass

	err := retryWithConfig(ctx, func() error {
		errClass = ""

		body, status, err := c.get(ctx, accessToken, pageURL)
		if err != nil {
			return err
		}

		switch status {
		case http.StatusNoContent:
			page = pagination.Page{End: true}
			return nil
		case http.StatusOK:
			page = pagination.Page{Records: c.decodePage(body, cursor)}
			return nil
		}

		errClass = ErrorClassNetwork
		c.logger.Warn().Int("skip", cursor.Skip).Int("status", status).Msg("Unexpected page status")
		return &APIError{
			StatusCode: status,
			ErrorClass: statusClass(status),
			Message:    fmt.Sprintf("unexpected status fetching page at skip %d", cursor.Skip),
		}
	}, func(error) ErrorClass {
		return errClass
	}, c.retryConfig)
	if err != nil {
		return pagination.Page{}, err
	}
	return page, nil
}

// statusClass labels a non-success status Do handed back without an error.
func statusClass(status int) ErrorClass {
	if status >= 400 && status < 500 {
		return ErrorClassClient
	}
	return ErrorClassServer
}

func (c *Client) decodePage(body []byte, cursor pagination.Cursor) []record.Record {
	if !gjson.ValidBytes(body) {
		malformedTotal.WithLabelValues("workers").Inc()
		c.logger.Warn().Int("skip", cursor.Skip).Msg("Malformed page body, treating as empty")
		return nil
	}

	workers := gjson.GetBytes(body, "workers")
	if !workers.IsArray() {
		malformedTotal.WithLabelValues("workers").Inc()
		c.logger.Warn().Int("skip", cursor.Skip).Msg("Page body has no workers array, treating as empty")
		return nil
	}

	items := workers.Array()
	records := make([]record.Record, 0, len(items))
	for _, item := range items {
		id := item.Get(c.config.IDField).String()
		if id == "" {
			c.logger.Warn().Int("skip", cursor.Skip).Str("id_field", c.config.IDField).Msg("Worker without id dropped")
			continue
		}
		records = append(records, record.Record{
			ID:     id,
			Fields: record.Rename(record.Flatten(item), c.config.BaseColumns),
		})
	}
	return records
}

// GetAttributes requests the custom attributes of one worker and returns
// the raw body. Decoding is left to the caller.
func (c *Client) GetAttributes(ctx context.Context, accessToken, id string) ([]byte, error) {
	u := c.config.SelectURL + "/" + url.PathEscape(id)
	if c.config.CustomSelect != "" {
		u += "?" + url.Values{"$select": {c.config.CustomSelect}}.Encode()
	}

	body, status, err := c.get(ctx, accessToken, u)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &APIError{
			StatusCode: status,
			ErrorClass: statusClass(status),
			Message:    fmt.Sprintf("unexpected status fetching attributes of %s", id),
		}
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, accessToken, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: c.classifyError(nil, err),
			Message:    "read body",
			Err:        err,
		}
	}
	return body, resp.StatusCode, nil
}
