package partition

import (
	"encoding/base64"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ParseCSV reads the four-column NVS CSV format:
//
//	key,type,encoding,value
//	wifi,namespace,,
//	ssid,data,string,mynet
//	cal,file,base64,cal.bin
//
// A namespace row opens a namespace; the data rows after it belong to it.
// File rows load their value from the referenced path, resolved relative to
// baseDir.
func ParseCSV(r io.Reader, baseDir string) (*Partition, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 4
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) == 0 {
		return &Partition{}, nil
	}

	// Skip the header row if present.
	if records[0][0] == "key" {
		records = records[1:]
	}

	p := &Partition{}
	namespace := ""

	for i, record := range records {
		key, rowType, encoding, value := record[0], record[1], record[2], record[3]

		if rowType == "namespace" {
			if err := ValidateKey(key); err != nil {
				return nil, err
			}
			if encoding != "" || value != "" {
				return nil, fmt.Errorf("row %d: namespace rows must have empty encoding and value", i+1)
			}
			namespace = key
			continue
		}

		if namespace == "" {
			return nil, ErrMissingNamespace
		}
		if err := ValidateKey(key); err != nil {
			return nil, err
		}

		switch rowType {
		case "data":
			parsed, err := parseValue(value, encoding)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i+1, err)
			}
			p.Entries = append(p.Entries, Entry{Namespace: namespace, Key: key, Value: parsed})

		case "file":
			parsed, err := fileValue(baseDir, value, encoding)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i+1, err)
			}
			p.Entries = append(p.Entries, Entry{Namespace: namespace, Key: key, Value: parsed})

		default:
			return nil, fmt.Errorf("row %d: unknown row type %q", i+1, rowType)
		}
	}

	return p, nil
}

func parseValue(value, encoding string) (Value, error) {
	switch encoding {
	case "u8", "u16", "u32", "u64":
		bits, _ := strconv.Atoi(encoding[1:])
		v, err := strconv.ParseUint(value, 10, bits)
		if err != nil {
			return Value{}, fmt.Errorf("invalid %s value %q: %w", encoding, value, err)
		}
		return Value{Kind: unsignedKind(bits), Uint: v}, nil

	case "i8", "i16", "i32", "i64":
		bits, _ := strconv.Atoi(encoding[1:])
		v, err := strconv.ParseInt(value, 10, bits)
		if err != nil {
			return Value{}, fmt.Errorf("invalid %s value %q: %w", encoding, value, err)
		}
		return Value{Kind: signedKind(bits), Int: v}, nil

	case "string":
		return Value{Kind: KindString, Str: value}, nil

	case "hex2bin":
		bytes, err := hex.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return Value{}, fmt.Errorf("invalid hex value: %w", err)
		}
		return Value{Kind: KindBinary, Bytes: bytes}, nil

	case "base64":
		bytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return Value{}, fmt.Errorf("invalid base64 value: %w", err)
		}
		return Value{Kind: KindBinary, Bytes: bytes}, nil
	}

	return Value{}, fmt.Errorf("unknown encoding %q", encoding)
}

func fileValue(baseDir, path, encoding string) (Value, error) {
	content, err := os.ReadFile(filepath.Join(baseDir, path))
	if err != nil {
		return Value{}, fmt.Errorf("failed to read file: %w", err)
	}
	return parseFileContent(content, encoding)
}

func parseFileContent(content []byte, encoding string) (Value, error) {
	switch encoding {
	case "binary":
		return Value{Kind: KindBinary, Bytes: content}, nil
	case "string":
		return Value{Kind: KindString, Str: string(content)}, nil
	case "hex2bin", "base64":
		return parseValue(string(content), encoding)
	}
	return Value{}, fmt.Errorf("unknown file encoding %q", encoding)
}

func unsignedKind(bits int) Kind {
	switch bits {
	case 8:
		return KindU8
	case 16:
		return KindU16
	case 32:
		return KindU32
	}
	return KindU64
}

func signedKind(bits int) Kind {
	switch bits {
	case 8:
		return KindI8
	case 16:
		return KindI16
	case 32:
		return KindI32
	}
	return KindI64
}

// WriteCSV serializes entries in order. A namespace row is emitted whenever
// the namespace changes between consecutive entries; binary values are
// base64-encoded.
func WriteCSV(w io.Writer, p *Partition) error {
	writer := csv.NewWriter(w)

	if err := writer.Write([]string{"key", "type", "encoding", "value"}); err != nil {
		return err
	}

	namespace := ""
	for _, entry := range p.Entries {
		if entry.Namespace != namespace {
			if err := writer.Write([]string{entry.Namespace, "namespace", "", ""}); err != nil {
				return err
			}
			namespace = entry.Namespace
		}

		if err := writer.Write([]string{entry.Key, "data", entry.Value.Kind.encodingString(), formatValue(entry.Value)}); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func formatValue(v Value) string {
	switch v.Kind {
	case KindU8, KindU16, KindU32, KindU64:
		return strconv.FormatUint(v.Uint, 10)
	case KindI8, KindI16, KindI32, KindI64:
		return strconv.FormatInt(v.Int, 10)
	case KindString:
		return v.Str
	case KindBinary:
		return base64.StdEncoding.EncodeToString(v.Bytes)
	}
	return ""
}
