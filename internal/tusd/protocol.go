// Package tusd terminates the tus resumable upload protocol (v1.0.0)
// server-side: creation, offset negotiation, sequential chunk writes, and
// termination. On receipt of the final byte it commits the blob to the
// storage backend and records the catalog entry.
package tusd

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Protocol headers and values.
const (
	Version = "1.0.0"

	HeaderResumable  = "Tus-Resumable"
	HeaderVersion    = "Tus-Version"
	HeaderExtension  = "Tus-Extension"
	HeaderMaxSize    = "Tus-Max-Size"
	HeaderLength     = "Upload-Length"
	HeaderOffset     = "Upload-Offset"
	HeaderMetadata   = "Upload-Metadata"
	ContentTypePatch = "application/offset+octet-stream"

	// extensions advertised on OPTIONS.
	extensions = "creation,termination"
)

// Metadata keys the endpoint understands. Everything else is carried
// through opaquely.
const (
	MetaFingerprint = "fingerprint"
	MetaFilename    = "filename"
	MetaUserID      = "userId"
	MetaEncrypted   = "isEncrypted"
)

// ParseMetadata decodes an Upload-Metadata header: comma-separated pairs of
// "key base64value"; a key without a value is allowed and decodes to "".
func ParseMetadata(header string) (map[string]string, error) {
	meta := make(map[string]string)
	if strings.TrimSpace(header) == "" {
		return meta, nil
	}

	for _, pair := range strings.Split(header, ",") {
		fields := strings.Fields(strings.TrimSpace(pair))
		switch len(fields) {
		case 1:
			meta[fields[0]] = ""
		case 2:
			value, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return nil, fmt.Errorf("invalid metadata value for %q: %w", fields[0], err)
			}
			meta[fields[0]] = string(value)
		default:
			return nil, fmt.Errorf("invalid metadata pair: %q", pair)
		}
	}
	return meta, nil
}

// EncodeMetadata renders a metadata map as an Upload-Metadata header value.
// Keys are sorted so the encoding is deterministic.
func EncodeMetadata(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		if meta[k] == "" {
			pairs = append(pairs, k)
			continue
		}
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(meta[k])))
	}
	return strings.Join(pairs, ",")
}
