// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package admin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadDownloadToken is returned when a download token fails verification
// or has expired.
var ErrBadDownloadToken = errors.New("admin: invalid or expired download token")

// URLSigner issues and verifies the time-limited tokens embedded in
// download URLs handed out for blobs above the inline size threshold. A
// token is a signed claim over job id and expiry.
type URLSigner struct {
	key []byte
	ttl time.Duration
}

// NewURLSigner returns a signer using key, with tokens valid for ttl.
func NewURLSigner(key []byte, ttl time.Duration) *URLSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &URLSigner{key: key, ttl: ttl}
}

func (s *URLSigner) sign(jobID string, expiry int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s:%d", jobID, expiry)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Issue returns a download token for jobID.
func (s *URLSigner) Issue(jobID string) string {
	expiry := time.Now().Add(s.ttl).Unix()
	return fmt.Sprintf("%d.%s", expiry, s.sign(jobID, expiry))
}

// Verify checks token against jobID, failing on tampering or expiry.
func (s *URLSigner) Verify(jobID, token string) error {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return ErrBadDownloadToken
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || time.Now().Unix() > expiry {
		return ErrBadDownloadToken
	}
	if !hmac.Equal([]byte(parts[1]), []byte(s.sign(jobID, expiry))) {
		return ErrBadDownloadToken
	}
	return nil
}
