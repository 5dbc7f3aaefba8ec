// Package blobstore provides a minimal S3-compatible storage client using
// only the Go standard library. It implements AWS Signature Version 4 for
// query-string presigning (streaming retrieval, upload) and header signing
// (object deletion).
//
// Required environment variables:
//
//	STORAGE_ENDPOINT   — https://{account_id}.r2.cloudflarestorage.com
//	STORAGE_ACCESS_KEY — API token access key ID
//	STORAGE_SECRET_KEY — API token secret access key
//
// The playback controller only ever requests download URLs; the upload and
// delete variants exist for the encoding pipeline's collaborator interface.
package blobstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const unsignedPayload = "UNSIGNED-PAYLOAD"

// Client holds storage credentials and the endpoint URL.
// Immutable after New — safe for concurrent use.
type Client struct {
	endpoint   string
	accessKey  string
	secretKey  string
	bucket     string
	httpClient *http.Client
	now        func() time.Time
}

// New reads credentials from environment variables and returns a Client.
// Returns an error if any required variable is missing or empty.
func New(bucket string) (*Client, error) {
	endpoint := os.Getenv("STORAGE_ENDPOINT")
	accessKey := os.Getenv("STORAGE_ACCESS_KEY")
	secretKey := os.Getenv("STORAGE_SECRET_KEY")

	if endpoint == "" {
		return nil, fmt.Errorf("blobstore: STORAGE_ENDPOINT is not set")
	}
	if accessKey == "" {
		return nil, fmt.Errorf("blobstore: STORAGE_ACCESS_KEY is not set")
	}
	if secretKey == "" {
		return nil, fmt.Errorf("blobstore: STORAGE_SECRET_KEY is not set")
	}
	if bucket == "" {
		return nil, fmt.Errorf("blobstore: bucket must not be empty")
	}

	return NewWithCredentials(endpoint, accessKey, secretKey, bucket), nil
}

// NewWithCredentials builds a Client from explicit credentials (tests and
// non-env wiring).
func NewWithCredentials(endpoint, accessKey, secretKey, bucket string) *Client {
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		accessKey:  accessKey,
		secretKey:  secretKey,
		bucket:     bucket,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

// RequestDownloadURL returns a presigned GET URL for the object at key,
// valid for ttl. The signature is bound to the host, method, and expiry —
// the storage gateway verifies it without any database round trip.
func (c *Client) RequestDownloadURL(key string, ttl time.Duration) (string, error) {
	return c.presign(http.MethodGet, key, "", ttl)
}

// RequestUploadURL returns a presigned PUT URL for the object at key.
// contentType is part of the signature — the uploader must send the same
// Content-Type header.
func (c *Client) RequestUploadURL(key, contentType string, ttl time.Duration) (string, error) {
	return c.presign(http.MethodPut, key, contentType, ttl)
}

// DeleteObject removes the object at key using a header-signed DELETE.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	req, err := c.newSignedRequest(ctx, http.MethodDelete, key)
	if err != nil {
		return fmt.Errorf("blobstore: build delete request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("blobstore: delete %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("blobstore: delete %s: unexpected status %d: %s", key, resp.StatusCode, string(body))
	}
	return nil
}

// presign builds a SigV4 presigned URL for method on key.
func (c *Client) presign(method, key, contentType string, ttl time.Duration) (string, error) {
	if key == "" {
		return "", fmt.Errorf("blobstore: key must not be empty")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("blobstore: ttl must be positive")
	}

	now := c.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	credentialScope := fmt.Sprintf("%s/auto/s3/aws4_request", dateStamp)

	host := c.endpoint
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	canonicalURI := "/" + c.bucket + "/" + key

	signedHeaders := "host"
	canonicalHeaders := "host:" + host + "\n"
	if contentType != "" {
		signedHeaders = "content-type;host"
		canonicalHeaders = "content-type:" + contentType + "\nhost:" + host + "\n"
	}

	query := url.Values{}
	query.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	query.Set("X-Amz-Credential", c.accessKey+"/"+credentialScope)
	query.Set("X-Amz-Date", amzDate)
	query.Set("X-Amz-Expires", strconv.Itoa(int(ttl.Seconds())))
	query.Set("X-Amz-SignedHeaders", signedHeaders)
	canonicalQuery := query.Encode() // sorted and escaped

	canonicalRequest := strings.Join([]string{
		method,
		canonicalURI,
		canonicalQuery,
		canonicalHeaders,
		signedHeaders,
		unsignedPayload,
	}, "\n")

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hexSHA256([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(c.secretKey, dateStamp, "auto", "s3")
	signature := hexHMAC(signingKey, []byte(stringToSign))

	return fmt.Sprintf("%s%s?%s&X-Amz-Signature=%s",
		c.endpoint, canonicalURI, canonicalQuery, signature), nil
}

// newSignedRequest builds a bodyless HTTP request signed with AWS
// Signature Version 4 headers.
func (c *Client) newSignedRequest(ctx context.Context, method, key string) (*http.Request, error) {
	now := c.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	host := c.endpoint
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}

	payloadHash := hexSHA256(nil)

	canonicalHeaders := fmt.Sprintf(
		"host:%s\nx-amz-content-sha256:%s\nx-amz-date:%s\n",
		host, payloadHash, amzDate,
	)
	signedHeaders := "host;x-amz-content-sha256;x-amz-date"

	canonicalRequest := strings.Join([]string{
		method,
		"/" + c.bucket + "/" + key,
		"",
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/auto/s3/aws4_request", dateStamp)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hexSHA256([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(c.secretKey, dateStamp, "auto", "s3")
	signature := hexHMAC(signingKey, []byte(stringToSign))

	authorization := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s,SignedHeaders=%s,Signature=%s",
		c.accessKey, credentialScope, signedHeaders, signature,
	)

	reqURL := fmt.Sprintf("%s/%s/%s", c.endpoint, c.bucket, key)
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Host", host)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("Authorization", authorization)

	return req, nil
}

// ── AWS Sig V4 helpers ────────────────────────────────────────────────────────

func hexSHA256(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexHMAC(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func rawHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// deriveSigningKey produces the AWS V4 signing key for a given date,
// region, and service. For R2-style endpoints, region is "auto" and
// service is "s3".
func deriveSigningKey(secret, date, region, service string) []byte {
	kDate := rawHMAC([]byte("AWS4"+secret), []byte(date))
	kRegion := rawHMAC(kDate, []byte(region))
	kService := rawHMAC(kRegion, []byte(service))
	return rawHMAC(kService, []byte("aws4_request"))
}
