package connstr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SASToken signs resourceURI with the base64 encoded key, valid until expiry.
// keyName is optional and only set for policy keys.
func SASToken(resourceURI, key, keyName string, expiry time.Time) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("shared access key is not valid base64: %w", err)
	}

	sr := url.QueryEscape(strings.ToLower(resourceURI))
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, decoded)
	mac.Write([]byte(sr + "\n" + se))
	sig := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, sig, se)
	if keyName != "" {
		token += "&skn=" + url.QueryEscape(keyName)
	}
	return token, nil
}

// DeviceResourceURI is the resource a device token is scoped to.
func (cs ConnectionString) DeviceResourceURI() string {
	uri := cs.HostName + "/devices/" + url.PathEscape(cs.DeviceID)
	if cs.ModuleID != "" {
		uri += "/modules/" + url.PathEscape(cs.ModuleID)
	}
	return uri
}

// DeviceToken signs a token for this device valid for ttl from now.
func (cs ConnectionString) DeviceToken(now time.Time, ttl time.Duration) (string, error) {
	if cs.HostName == "" || cs.SharedAccessKey == "" {
		return "", fmt.Errorf("%w: %s and %s are required to sign a token", ErrMalformed, KeyHostName, KeySharedAccessKey)
	}
	return SASToken(cs.DeviceResourceURI(), cs.SharedAccessKey, cs.SharedAccessKeyName, now.Add(ttl))
}
