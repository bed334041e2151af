package workspace

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func listTarNames(t *testing.T, tarBytes []byte) []string {
	t.Helper()
	gr, err := gzip.NewReader(bytes.NewReader(tarBytes))
	require.NoError(t, err)
	defer gr.Close()
	tr := tar.NewReader(gr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	return names
}

// buildFakeGuestTar constructs a gzipped tar (as the guest would return from
// sync_from_guest) containing the given relative-path → content entries.
func buildFakeGuestTar(files map[string]string) (string, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", err
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return "", err
		}
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// base64Reply is a fake RPCClient that answers sync_from_guest with a fixed
// base64 tar payload.
type base64Reply struct {
	tarData string
}

func (b *base64Reply) Call(_ context.Context, method string, params, out interface{}) error {
	resp := struct {
		TarData string `json:"tarData"`
	}{TarData: b.tarData}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
