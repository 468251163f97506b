package workflow

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"ensemble/internal/apperr"
	"ensemble/internal/gateway/repository/files"
	"ensemble/internal/gateway/repository/graph"
	"ensemble/internal/logging"
	"ensemble/internal/reqctx"
)

// FileSink persists files written by save_file steps under the category
// in the request scope.
type FileSink interface {
	Save(ctx context.Context, name, content string) (FileRef, error)
	// Load returns the stored content of name, or "" if there is none.
	Load(ctx context.Context, name string) (string, error)
}

// Summariser produces the summary stored on a file node.
type Summariser func(ctx context.Context, name, content string) (string, error)

// StoreSink writes bytes to a byte store and records a versioned file node.
type StoreSink struct {
	Bytes files.Store
	Graph graph.Store
	// Summarise is optional; failures are logged and the node is saved
	// without a summary.
	Summarise Summariser
	Log       *logrus.Entry
}

func (s *StoreSink) Save(ctx context.Context, name, content string) (FileRef, error) {
	scope := reqctx.From(ctx)
	categoryID := scope.CategoryID()
	if categoryID == "" {
		return FileRef{}, apperr.Validation("save file", "no category selected for %s", name)
	}
	if err := s.Bytes.Put(ctx, categoryID, name, []byte(content)); err != nil {
		return FileRef{}, apperr.Persistence("save file bytes", err)
	}
	var summary string
	if s.Summarise != nil {
		sum, err := s.Summarise(ctx, name, content)
		if err != nil {
			logging.Or(s.Log, "workflow").WithError(err).WithField("file", name).Warn("file summary failed")
		} else {
			summary = sum
		}
	}
	node, err := s.Graph.CreateFileNode(ctx, graph.NewFile{
		UserID:       scope.UserID(),
		CategoryID:   categoryID,
		Name:         name,
		Size:         int64(len(content)),
		Summary:      summary,
		UserPromptID: scope.MessageID(),
	})
	if err != nil {
		return FileRef{}, apperr.Persistence("create file node", err)
	}
	return FileRef{ID: node.ID, Name: node.Name, CategoryID: node.CategoryID, Version: node.Version, Size: node.Size}, nil
}

func (s *StoreSink) Load(ctx context.Context, name string) (string, error) {
	categoryID := reqctx.From(ctx).CategoryID()
	if categoryID == "" {
		return "", nil
	}
	raw, err := s.Bytes.Get(ctx, categoryID, name)
	if errors.Is(err, files.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Persistence("load file", err)
	}
	return string(raw), nil
}
