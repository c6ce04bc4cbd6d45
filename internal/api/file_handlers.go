package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/javi11/nfsvfs/internal/slogutil"
)

func (s *Server) handleOpenFiles(c *fiber.Ctx) error {
	fsys, err := s.engine.FileSystem()
	if err != nil {
		return respondVFSError(c, err)
	}
	return RespondSuccess(c, fsys.OpenFiles())
}

func (s *Server) handleStat(c *fiber.Ctx) error {
	rawURL := c.Query("url")
	if rawURL == "" {
		return RespondBadRequest(c, "Missing url parameter", "")
	}

	ctx := slogutil.With(c.UserContext(), "url", rawURL)

	fsys, err := s.engine.FileSystem()
	if err != nil {
		return respondVFSError(c, err)
	}

	loc, err := fsys.Resolve(rawURL)
	if err != nil {
		return respondVFSError(c, err)
	}

	st, err := fsys.Stat(ctx, rawURL)
	if err != nil {
		s.logger.WarnContext(ctx, "Stat failed", "error", err)
		return respondVFSError(c, err)
	}

	return RespondSuccess(c, StatResponse{
		URL:      rawURL,
		Resource: loc.Resource(),
		Name:     st.Name,
		Size:     st.Size,
		Mode:     st.Mode.String(),
		IsDir:    st.IsDir,
		ModTime:  st.ModTime,
	})
}

func (s *Server) handleAddHint(c *fiber.Ctx) error {
	var req HintRequest
	if err := c.BodyParser(&req); err != nil {
		return RespondBadRequest(c, "Invalid request body", err.Error())
	}
	if req.URL == "" || req.Server == "" || req.Export == "" || req.Path == "" {
		return RespondBadRequest(c, "url, server, export and path are required", "")
	}

	s.engine.AddPathHint(req.URL, req.Server, req.Export, req.Path)
	return RespondMessage(c, "Path hint added")
}
