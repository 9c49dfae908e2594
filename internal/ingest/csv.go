package ingest

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rare-priority/internal/model"
)

// CSVOptions configures the CSV reader.
type CSVOptions struct {
	Delimiter rune // default ','
	Comment   rune // comment character (0 = none)
}

// streamCSV reads r and sends rows to a channel. Both channels are closed
// when processing completes.
func streamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.FieldsPerRecord = -1

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "ingest: csv context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "ingest: read csv row")
				return
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "ingest: csv context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// ReadCSV reads entities from a CSV stream whose first row is the header.
func ReadCSV(ctx context.Context, r io.Reader, opts CSVOptions) ([]model.Entity, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rowCh, errCh := streamCSV(ctx, r, opts)

	var (
		b    *builder
		line int
	)
	for row := range rowCh {
		line++
		if b == nil {
			cols, err := parseHeader(row)
			if err != nil {
				return nil, err
			}
			b = newBuilder(cols)
			continue
		}
		if err := b.add(row, line); err != nil {
			return nil, err
		}
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	if b == nil {
		return nil, eris.New("ingest: empty csv")
	}
	return b.entities, nil
}
