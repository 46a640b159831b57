package partition

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `key,type,encoding,value
wifi,namespace,,
ssid,data,string,mynetwork
password,data,string,hunter2
retries,data,u8,3
rssi_floor,data,i16,-90
device,namespace,,
serial,data,u64,123456789012345
cal,data,hex2bin,deadbeef
token,data,base64,AAECAwQ=
`

func TestParseCSV(t *testing.T) {
	p, err := ParseCSV(strings.NewReader(sampleCSV), ".")
	require.NoError(t, err)
	require.Len(t, p.Entries, 7)

	assert.Equal(t, "wifi", p.Entries[0].Namespace)
	assert.Equal(t, "ssid", p.Entries[0].Key)
	assert.Equal(t, Value{Kind: KindString, Str: "mynetwork"}, p.Entries[0].Value)

	assert.Equal(t, Value{Kind: KindU8, Uint: 3}, p.Entries[2].Value)
	assert.Equal(t, Value{Kind: KindI16, Int: -90}, p.Entries[3].Value)

	assert.Equal(t, "device", p.Entries[4].Namespace)
	assert.Equal(t, Value{Kind: KindU64, Uint: 123456789012345}, p.Entries[4].Value)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, p.Entries[5].Value.Bytes)
	assert.Equal(t, []byte{0, 1, 2, 3, 4}, p.Entries[6].Value.Bytes)
}

func TestParseCSVErrors(t *testing.T) {
	tests := []struct {
		name string
		csv  string
	}{
		{"entry before namespace", "key,type,encoding,value\nssid,data,string,x\n"},
		{"key too long", "key,type,encoding,value\nns,namespace,,\naveryveryverylongkey,data,u8,1\n"},
		{"bad encoding", "key,type,encoding,value\nns,namespace,,\nk,data,float,1\n"},
		{"bad number", "key,type,encoding,value\nns,namespace,,\nk,data,u8,300\n"},
		{"namespace with value", "key,type,encoding,value\nns,namespace,,oops\n"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseCSV(strings.NewReader(test.csv), ".")
			assert.Error(t, err)
		})
	}
}

func TestCSVFileRows(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cal.bin"), []byte{1, 2, 3, 4, 5}, 0o644))

	csv := "key,type,encoding,value\nns,namespace,,\ncal,file,binary,cal.bin\n"
	p, err := ParseCSV(strings.NewReader(csv), dir)
	require.NoError(t, err)
	require.Len(t, p.Entries, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, p.Entries[0].Value.Bytes)
}

func TestWriteCSVRoundTrip(t *testing.T) {
	p, err := ParseCSV(strings.NewReader(sampleCSV), ".")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, p))

	again, err := ParseCSV(bytes.NewReader(buf.Bytes()), ".")
	require.NoError(t, err)

	require.Len(t, again.Entries, len(p.Entries))
	for i := range p.Entries {
		assert.Equal(t, p.Entries[i].Namespace, again.Entries[i].Namespace, "entry %d", i)
		assert.Equal(t, p.Entries[i].Key, again.Entries[i].Key, "entry %d", i)
		// Binary values come back as base64 rows but with identical bytes.
		if p.Entries[i].Value.Kind == KindBinary {
			assert.Equal(t, p.Entries[i].Value.Bytes, again.Entries[i].Value.Bytes, "entry %d", i)
		} else {
			assert.Equal(t, p.Entries[i].Value, again.Entries[i].Value, "entry %d", i)
		}
	}
}

func TestParseYAMLMatchesCSV(t *testing.T) {
	manifest := `
namespaces:
  - name: wifi
    entries:
      - key: ssid
        encoding: string
        value: mynetwork
      - key: retries
        encoding: u8
        value: "3"
  - name: device
    entries:
      - key: cal
        encoding: hex2bin
        value: deadbeef
`
	csv := "key,type,encoding,value\nwifi,namespace,,\nssid,data,string,mynetwork\nretries,data,u8,3\ndevice,namespace,,\ncal,data,hex2bin,deadbeef\n"

	fromYAML, err := ParseYAML(strings.NewReader(manifest), ".")
	require.NoError(t, err)
	fromCSV, err := ParseCSV(strings.NewReader(csv), ".")
	require.NoError(t, err)

	assert.Equal(t, fromCSV.Entries, fromYAML.Entries)
}
