package logstore

import (
	"bytes"
	"encoding/json"
	"fmt"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// snapshotColumns fixes the Parquet layout of an archived diagnostic record.
var snapshotColumns = []struct {
	name string
	typ  string
}{
	{"runId", "BYTE_ARRAY"},
	{"itemId", "INT64"},
	{"itemKind", "BYTE_ARRAY"},
	{"ownerKey", "BYTE_ARRAY"},
	{"op", "BYTE_ARRAY"},
	{"state", "BYTE_ARRAY"},
	{"errorCode", "BYTE_ARRAY"},
	{"diagnostic", "BYTE_ARRAY"},
	{"syncedAt", "BYTE_ARRAY"},
	{"seq", "INT64"},
	{"at", "BYTE_ARRAY"},
}

// MarshalParquet encodes records as a single SNAPPY-compressed Parquet file.
func MarshalParquet(records []Record) ([]byte, error) {
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(snapshotSchema(), pfw, 4)
	if err != nil {
		return nil, wrapError(CodeMirrorWriteFailed, true, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range records {
		row, err := json.Marshal(parquetRow(r))
		if err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, wrapError(CodeMirrorWriteFailed, false, err)
		}
		if err := pw.Write(string(row)); err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, wrapError(CodeMirrorWriteFailed, true, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = pfw.Close()
		return nil, wrapError(CodeMirrorWriteFailed, true, err)
	}
	_ = pfw.Close()
	return buf.Bytes(), nil
}

func snapshotSchema() string {
	fields := make([]map[string]string, 0, len(snapshotColumns))
	for _, c := range snapshotColumns {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, type=%s, repetitiontype=OPTIONAL", c.name, c.typ),
		})
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func parquetRow(r Record) map[string]any {
	return map[string]any{
		"runId":      r.RunID,
		"itemId":     r.ItemID,
		"itemKind":   r.ItemKind,
		"ownerKey":   r.OwnerKey,
		"op":         r.Op,
		"state":      r.State,
		"errorCode":  r.ErrorCode,
		"diagnostic": r.Diagnostic,
		"syncedAt":   r.SyncedAt,
		"seq":        r.Seq,
		"at":         r.At,
	}
}
