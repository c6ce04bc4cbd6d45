package api

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/javi11/nfsvfs/internal/slogutil"
	"github.com/javi11/nfsvfs/internal/vfs"
)

// streamBody serves a byte range of an open file. fasthttp closes it once
// the response body has been written, which releases the file.
type streamBody struct {
	*io.SectionReader
	file    *vfs.File
	id      string
	tracker *StreamTracker
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.SectionReader.Read(p)
	if n > 0 {
		b.tracker.UpdateProgress(b.id, int64(n))
	}
	return n, err
}

func (b *streamBody) Close() error {
	b.tracker.Remove(b.id)
	return b.file.Close()
}

// handleStream serves ?url= with single-range support. Reads go through the
// orchestrator, so sequential playback is served from the block cache.
func (s *Server) handleStream(c *fiber.Ctx) error {
	rawURL := c.Query("url")
	if rawURL == "" {
		return RespondBadRequest(c, "Missing url parameter", "")
	}

	ctx := slogutil.With(c.UserContext(), "url", rawURL)

	f, err := s.engine.Open(ctx, rawURL, os.O_RDONLY)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to open stream", "error", err)
		return respondVFSError(c, err)
	}

	size := f.Size()
	start, length := int64(0), size
	status := fiber.StatusOK

	if c.Get(fiber.HeaderRange) != "" {
		r, err := c.Range(int(size))
		if err != nil || r.Type != "bytes" || len(r.Ranges) == 0 {
			_ = f.Close()
			if err == nil {
				err = errors.New("unsupported range unit")
			}
			return RespondRangeNotSatisfiable(c, size, err.Error())
		}

		first := r.Ranges[0]
		start = int64(first.Start)
		length = int64(first.End-first.Start) + 1
		status = fiber.StatusPartialContent
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", first.Start, first.End, size))
	}

	contentType := utils.GetMIME(path.Ext(f.Location().Path))
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Status(status)

	if c.Method() == fiber.MethodHead {
		c.Response().Header.SetContentLength(int(length))
		return f.Close()
	}

	id := s.streams.Add(f.Name(), c.IP(), c.Get(fiber.HeaderUserAgent), start, length)
	s.logger.DebugContext(ctx, "Streaming file",
		"stream_id", id,
		"offset", start,
		"length", length,
		"size", size)

	return c.SendStream(&streamBody{
		SectionReader: io.NewSectionReader(f, start, length),
		file:          f,
		id:            id,
		tracker:       s.streams,
	}, int(length))
}
