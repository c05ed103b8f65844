package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"yieldvault/services/allocd/storage"
)

type gateRow struct {
	Venue     string `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	Gate      string `parquet:"name=gate, type=BYTE_ARRAY, convertedtype=UTF8"`
	GateIndex int32  `parquet:"name=gate_index, type=INT32"`
	Outcome   string `parquet:"name=outcome, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason    string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	At        string `parquet:"name=at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type eventRow struct {
	Type        string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	OperationID string `parquet:"name=operation_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Venue       string `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes  string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest      string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	At          string `parquet:"name=at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Files lists the paths produced by an export run.
type Files struct {
	Gates  string
	Events string
}

// Write exports gate outcomes and events into dir, naming files after stamp.
func Write(dir string, stamp time.Time, gates []storage.GateRecord, records []storage.EventRecord) (Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Files{}, fmt.Errorf("export: create dir: %w", err)
	}
	suffix := stamp.UTC().Format("20060102T150405Z")
	files := Files{
		Gates:  filepath.Join(dir, "gates-"+suffix+".parquet"),
		Events: filepath.Join(dir, "events-"+suffix+".parquet"),
	}
	gateRows := make([]interface{}, 0, len(gates))
	for _, g := range gates {
		gateRows = append(gateRows, &gateRow{
			Venue:     g.Venue,
			Gate:      g.Gate,
			GateIndex: int32(g.GateIndex),
			Outcome:   g.Outcome,
			Reason:    g.Reason,
			At:        g.At.UTC().Format(time.RFC3339Nano),
		})
	}
	if err := writeParquet(files.Gates, new(gateRow), gateRows); err != nil {
		return Files{}, err
	}
	eventRows := make([]interface{}, 0, len(records))
	for _, r := range records {
		eventRows = append(eventRows, &eventRow{
			Type:        r.Type,
			OperationID: r.OperationID,
			Venue:       r.Venue,
			Attributes:  r.Attributes,
			Digest:      r.Digest,
			At:          r.At.UTC().Format(time.RFC3339Nano),
		})
	}
	if err := writeParquet(files.Events, new(eventRow), eventRows); err != nil {
		return Files{}, err
	}
	return files, nil
}

func writeParquet(path string, schema interface{}, rows []interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, schema, 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}
