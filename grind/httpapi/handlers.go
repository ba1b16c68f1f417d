package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/Emyrk/grindview/grind"
	"github.com/Emyrk/grindview/grind/dot"
)

func (s *Server) fileList(w http.ResponseWriter, r *http.Request) {
	traces, err := s.svc.ListTraces(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

func optionalFloat(q url.Values, key string) (*float64, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%q", errBadRequest, key, v)
	}
	return &f, nil
}

func optionalBool(q url.Values, key string) (*bool, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%q", errBadRequest, key, v)
	}
	return &b, nil
}

func (s *Server) functionList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fraction, err := optionalFloat(q, "showFraction")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hide, err := optionalBool(q, "hideInternals")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	list, err := s.svc.FunctionList(r.Context(), grind.FunctionListRequest{
		File:          q.Get("dataFile"),
		CostFormat:    q.Get("costFormat"),
		Fraction:      fraction,
		HideInternals: hide,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) callInfoList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nr, err := strconv.Atoi(q.Get("functionNr"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: functionNr=%q", errBadRequest, q.Get("functionNr")))
		return
	}

	info, err := s.svc.CallInfo(r.Context(), grind.CallInfoRequest{
		File:       q.Get("file"),
		CostFormat: q.Get("costFormat"),
		Ordinal:    nr,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) clearFiles(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ClearTraces(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	trace, err := s.svc.TracePath(r.URL.Query().Get("file"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fd, err := os.Open(trace.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer fd.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", trace.Name))
	w.Header().Set("Content-Type", "text/plain")
	http.ServeContent(w, r, trace.Name, trace.ModTime, fd)
}

// functionGraph serves a rendered image when a dot executable is configured
// and format is not "dot", and the DOT source otherwise.
func (s *Server) functionGraph(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fraction, err := optionalFloat(q, "showFraction")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req := grind.GraphRequest{
		File:       q.Get("dataFile"),
		CostFormat: q.Get("costFormat"),
		Fraction:   fraction,
	}

	cfg := s.svc.Config()
	if cfg.DotExecutable != "" && q.Get("format") != "dot" {
		path, err := s.svc.GraphImage(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", dot.ContentType(cfg.GraphImageType))
		http.ServeFile(w, r, path)
		return
	}

	src, err := s.svc.Graph(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", dot.ContentType("dot"))
	_, _ = w.Write(src)
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	p, name, err := s.svc.Profile(r.Context(), r.URL.Query().Get("file"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".pb.gz"))
	err = p.Write(w)
	if err != nil {
		s.logger.Error().Err(err).Str("trace", name).Msg("write profile")
	}
}

// fileViewer serves a source file under the configured source roots, as
// JSON or with format=raw as plain text.
func (s *Server) fileViewer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	src, err := s.svc.SourceFile(r.Context(), q.Get("file"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if q.Get("format") != "raw" {
		writeJSON(w, http.StatusOK, src)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Last-Modified", src.ModTime.UTC().Format(http.TimeFormat))
	_, _ = w.Write([]byte(src.Content))
}
