package sepcorr

import (
	"bufio"
	"errors"
	"io"
)

const readBufferSize = 256 * 1024

// lineReader yields lines including their terminator, so kept lines can be
// copied byte for byte.
type lineReader struct {
	br  *bufio.Reader
	buf []byte
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{br: bufio.NewReaderSize(r, readBufferSize)}
}

// next returns the next line. The slice is only valid until the following
// call. A final unterminated line is returned without error; io.EOF follows.
func (lr *lineReader) next() ([]byte, error) {
	line, err := lr.br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		lr.buf = append(lr.buf[:0], line...)
		for errors.Is(err, bufio.ErrBufferFull) {
			line, err = lr.br.ReadSlice('\n')
			lr.buf = append(lr.buf, line...)
		}
		line = lr.buf
	}
	if err == io.EOF && len(line) > 0 {
		return line, nil
	}
	return line, err
}
