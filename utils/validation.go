package utils

import (
	"fmt"
	"net/url"
)

func ValidateWebhookURL(urlStr string) error {
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL must start with https:// or http://")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

func ValidatePubkey(pubkey string) error {
	if len(pubkey) != 64 {
		return fmt.Errorf("invalid pubkey: length must be 64 characters")
	}
	for _, c := range pubkey {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return fmt.Errorf("invalid pubkey: must be hex")
		}
	}
	return nil
}
