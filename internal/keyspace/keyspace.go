// Package keyspace maps file names to object keys under a fixed prefix.
//
// Key mapping:
//
//	{prefix}/{name}
package keyspace

import (
	"regexp"
	"strings"

	fserr "github.com/bleepstore/s3filestore/internal/errors"
	"github.com/bleepstore/s3filestore/internal/uid"
)

// Delimiter separates the prefix from the file name.
const Delimiter = "/"

// bucketNameRegex validates bucket names per S3 naming rules:
// 3-63 characters of lowercase letters, numbers, hyphens and periods,
// beginning and ending with a letter or number.
var bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)

// ipAddressRegex detects IP address-formatted bucket names.
var ipAddressRegex = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// ValidateBucketName checks whether name is a valid S3 bucket name.
func ValidateBucketName(name string) error {
	invalid := func(reason string) error {
		return fserr.ErrInvalidArgument.WithMessage("invalid bucket name %q: %s", name, reason)
	}
	switch {
	case len(name) < 3 || len(name) > 63:
		return invalid("must be between 3 and 63 characters long")
	case !bucketNameRegex.MatchString(name):
		return invalid("may only contain lowercase letters, numbers, hyphens, and periods")
	case ipAddressRegex.MatchString(name):
		return invalid("must not be formatted as an IP address")
	case strings.HasPrefix(name, "xn--"):
		return invalid("must not start with xn--")
	case strings.HasSuffix(name, "-s3alias") || strings.HasSuffix(name, "--ol-s3"):
		return invalid("must not end with -s3alias or --ol-s3")
	case strings.Contains(name, ".."):
		return invalid("must not contain consecutive periods")
	}
	return nil
}

// Namespace is the immutable key mapping for one bucket and prefix.
type Namespace struct {
	bucket string
	prefix string
	// keyPrefix is prefix + Delimiter, computed once.
	keyPrefix string
}

// New validates bucket and prefix and returns the namespace for them.
func New(bucket, prefix string) (*Namespace, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return nil, err
	}
	if prefix == "" || strings.Contains(prefix, Delimiter) {
		return nil, fserr.ErrInvalidArgument.WithMessage("invalid key prefix %q: must be non-empty and must not contain %q", prefix, Delimiter)
	}
	return &Namespace{
		bucket:    bucket,
		prefix:    prefix,
		keyPrefix: prefix + Delimiter,
	}, nil
}

// Bucket returns the bucket name.
func (n *Namespace) Bucket() string { return n.bucket }

// Prefix returns the key prefix including the trailing delimiter.
func (n *Namespace) Prefix() string { return n.keyPrefix }

// ToKey maps a file name to its object key.
func (n *Namespace) ToKey(name string) string {
	return n.keyPrefix + name
}

// FromKey strips the prefix from an object key. It fails for keys outside
// the namespace.
func (n *Namespace) FromKey(key string) (string, error) {
	if !strings.HasPrefix(key, n.keyPrefix) {
		return "", fserr.ErrInvalidArgument.WithMessage("key %q is not below prefix %q", key, n.keyPrefix).WithKey(key)
	}
	return key[len(n.keyPrefix):], nil
}

// ToKeys maps names to keys, sharing one builder across the batch.
func (n *Namespace) ToKeys(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	keys := make([]string, len(names))
	var sb strings.Builder
	for i, name := range names {
		sb.Reset()
		sb.Grow(len(n.keyPrefix) + len(name))
		sb.WriteString(n.keyPrefix)
		sb.WriteString(name)
		keys[i] = sb.String()
	}
	return keys
}

// FromKeys strips the prefix from every key. It fails on the first key
// outside the namespace.
func (n *Namespace) FromKeys(keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	names := make([]string, len(keys))
	for i, key := range keys {
		name, err := n.FromKey(key)
		if err != nil {
			return nil, err
		}
		names[i] = name
	}
	return names, nil
}

// NewKey returns a fresh namespaced object key.
func (n *Namespace) NewKey() string {
	return n.ToKey(uid.New())
}
