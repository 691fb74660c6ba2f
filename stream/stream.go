// Copyright (C) 2021 Anshorei. All Rights Reserved.

// Package stream provides helpers for the file streaming commands,
// where the file content travels as the raw trailer of a response
// frame rather than inside the structured portion.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	zeroproto "github.com/Anshorei/zeronet-protocol"
	"github.com/Anshorei/zeronet-protocol/msgval"
	"github.com/Anshorei/zeronet-protocol/templates"
)

// ChunkSize is the largest trailer a single streamed response carries.
// Files larger than this are fetched with successive calls advancing
// the read location.
const ChunkSize = 512 * 1024

// A Chunk is one streamed slice of a file.
type Chunk struct {
	Data     []byte // the slice content
	Location int64  // offset of the first byte past the slice
	Size     int64  // total file size reported by the peer
}

// fetchChunk issues one streamFile call and returns the slice carried
// by the response trailer.
func fetchChunk(ctx context.Context, c *zeroproto.Conn, req *templates.StreamFile) (*Chunk, error) {
	rsp, err := c.Call(ctx, "streamFile", req.Params())
	if err != nil {
		return nil, err
	}
	var body templates.StreamFileResult
	if err := body.FromBody(rsp.Body); err != nil {
		return nil, err
	}
	size := body.Size
	if size == 0 {
		size = req.Location + int64(len(rsp.Trailer))
	}
	return &Chunk{
		Data:     rsp.Trailer,
		Location: req.Location + int64(len(rsp.Trailer)),
		Size:     size,
	}, nil
}

// Fetch downloads the file at innerPath from site via c, writing its
// content to w, and returns the number of bytes written. The file is
// fetched in chunks of at most ChunkSize bytes.
func Fetch(ctx context.Context, c *zeroproto.Conn, site, innerPath string, w io.Writer) (int64, error) {
	var written int64
	req := &templates.StreamFile{Site: site, InnerPath: innerPath}
	for {
		chunk, err := fetchChunk(ctx, c, req)
		if err != nil {
			return written, err
		}
		n, err := w.Write(chunk.Data)
		written += int64(n)
		if err != nil {
			return written, err
		}
		if chunk.Location >= chunk.Size || len(chunk.Data) == 0 {
			return written, nil
		}
		req.Location = chunk.Location
		req.Size = chunk.Size
	}
}

// An Opener maps a site and inner path to readable file content. The
// returned reader is closed after each request if it implements
// io.Closer.
type Opener func(site, innerPath string) (io.ReaderAt, int64, error)

// Handler adapts open into a handler for the "streamFile" command.
// Each request is answered with a single response whose trailer holds
// up to ChunkSize bytes starting at the requested location; the caller
// advances the location to fetch the rest.
func Handler(open Opener) zeroproto.Handler {
	return func(ctx context.Context, req *zeroproto.Request) (*msgval.Map, error) {
		var sf templates.StreamFile
		if err := sf.FromParams(req.Params); err != nil {
			return nil, err
		}
		f, size, err := open(sf.Site, sf.InnerPath)
		if err != nil {
			return nil, err
		}
		if c, ok := f.(io.Closer); ok {
			defer c.Close()
		}

		if sf.Location < 0 || sf.Location > size {
			return nil, fmt.Errorf("location %d outside file of %d bytes", sf.Location, size)
		}
		n := size - sf.Location
		if n > ChunkSize {
			n = ChunkSize
		}
		buf := make([]byte, n)
		if _, err := f.ReadAt(buf, sf.Location); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		zeroproto.SetResponseTrailer(ctx, buf)
		return (&templates.StreamFileResult{
			Location: sf.Location + n,
			Size:     size,
		}).Body(), nil
	}
}
