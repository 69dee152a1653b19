package splunk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
)

// CollectionExists reports whether a KV store collection is defined.
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	u := c.config.GetCollectionsConfigURL() + "/" + url.PathEscape(name) + "?output_mode=json"

	resp, err := c.doRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError("get collection "+name, resp)
	}
}

// CreateCollection defines a KV store collection.
func (c *Client) CreateCollection(ctx context.Context, name string) error {
	form := url.Values{}
	form.Set("name", name)
	form.Set("output_mode", "json")

	resp, err := c.doRequest(ctx, http.MethodPost, c.config.GetCollectionsConfigURL(), form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 409 means another writer created it first.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return statusError("create collection "+name, resp)
	}

	c.logger.Info("created kvstore collection", "collection", name)
	return nil
}

// BatchSave inserts or replaces documents by _key. docs must be a slice;
// it is split into requests of at most MaxBatchSize documents.
func (c *Client) BatchSave(ctx context.Context, collection string, docs interface{}) error {
	v := reflect.ValueOf(docs)
	if v.Kind() != reflect.Slice {
		return fmt.Errorf("batch save expects a slice, got %T", docs)
	}

	size := c.config.MaxBatchSize
	if size <= 0 {
		size = 1000
	}

	u := c.config.GetCollectionDataURL(url.PathEscape(collection)) + "/batch_save"
	for start := 0; start < v.Len(); start += size {
		end := start + size
		if end > v.Len() {
			end = v.Len()
		}

		resp, err := c.doJSONRequest(ctx, http.MethodPost, u, v.Slice(start, end).Interface())
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			err := statusError("batch save into "+collection, resp)
			resp.Body.Close()
			return err
		}
		resp.Body.Close()
	}

	return nil
}

// DeleteByKey removes a document. A missing document is not an error.
func (c *Client) DeleteByKey(ctx context.Context, collection, key string) error {
	u := c.config.GetCollectionDataURL(url.PathEscape(collection)) + "/" + url.PathEscape(key)

	resp, err := c.doRequest(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return statusError("delete "+key+" from "+collection, resp)
	}
	return nil
}

// Insert adds a document and returns the _key assigned by Splunk.
func (c *Client) Insert(ctx context.Context, collection string, doc interface{}) (string, error) {
	u := c.config.GetCollectionDataURL(url.PathEscape(collection))

	resp, err := c.doJSONRequest(ctx, http.MethodPost, u, doc)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError("insert into "+collection, resp)
	}

	var result struct {
		Key string `json:"_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse insert response: %w", err)
	}
	return result.Key, nil
}
