package storage

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// DefaultChunkBytes is the target chunk size. Chunks are sized so one
// signed URL per chunk fits comfortably in an overlay message.
const DefaultChunkBytes = 50 * 1024

// SplitCSV splits a line-oriented dataset into chunks of roughly
// budget bytes. The first line is treated as the CSV header and is
// prepended to every chunk, so each chunk is a self-contained dataset.
// Lines are never split across chunks.
func SplitCSV(r io.Reader, budget int) ([][]byte, error) {
	if budget <= 0 {
		budget = DefaultChunkBytes
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("storage: read header: %w", err)
		}
		return nil, fmt.Errorf("storage: empty dataset")
	}
	header := append([]byte{}, sc.Bytes()...)

	var chunks [][]byte
	var cur bytes.Buffer
	cur.Write(header)
	cur.WriteByte('\n')
	rows := 0

	flush := func() {
		if rows == 0 {
			return
		}
		chunks = append(chunks, append([]byte{}, cur.Bytes()...))
		cur.Reset()
		cur.Write(header)
		cur.WriteByte('\n')
		rows = 0
	}

	for sc.Scan() {
		line := sc.Bytes()
		if rows > 0 && cur.Len()+len(line)+1 > budget {
			flush()
		}
		cur.Write(line)
		cur.WriteByte('\n')
		rows++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("storage: read dataset: %w", err)
	}
	flush()

	if len(chunks) == 0 {
		return nil, fmt.Errorf("storage: dataset has no rows")
	}
	return chunks, nil
}
