package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"nitro.evalgo.org/common"
	"nitro.evalgo.org/repository"
	"nitro.evalgo.org/storage"
)

var browseUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The browse socket is read-only metadata; cross-origin frontends are
	// allowed like the rest of the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsIncoming is a client frame: {"type":"ListDirectory","data":"com/example"}.
type wsIncoming struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// wsOutgoing is a server frame.
type wsOutgoing struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

const (
	wsListDirectory   = "ListDirectory"
	wsOpenedDirectory = "OpenedDirectory"
	wsDirectoryItem   = "DirectoryItem"
	wsEndOfDirectory  = "EndOfDirectory"
	wsError           = "Error"
)

// handleBrowseWS serves the connection-oriented browse variant. The client
// sends ListDirectory frames; the server answers OpenedDirectory, one
// DirectoryItem per file, then EndOfDirectory, and the connection is reused
// for further listings.
func (s *Server) handleBrowseWS(c echo.Context) error {
	repositoryID := c.Param("repository_id")
	c.SetParamNames("repository_id", "*")
	c.SetParamValues(repositoryID, "")
	repo, _, err := s.resolveBrowseTarget(c)
	if repo == nil {
		return err
	}

	conn, err := browseUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.browseSocketLoop(c, repo, conn)
	return nil
}

func (s *Server) browseSocketLoop(c echo.Context, repo repository.Repository, conn *websocket.Conn) {
	ctx := c.Request().Context()
	for {
		var incoming wsIncoming
		if err := conn.ReadJSON(&incoming); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				common.Logger.WithError(err).Debug("browse socket closed unexpectedly")
			}
			return
		}
		if incoming.Type != wsListDirectory {
			if err := conn.WriteJSON(wsOutgoing{Type: wsError, Data: "unknown message type " + incoming.Type}); err != nil {
				return
			}
			continue
		}
		if err := s.listDirectoryOverSocket(ctx, repo, conn, incoming.Data); err != nil {
			return
		}
	}
}

func (s *Server) listDirectoryOverSocket(ctx context.Context, repo repository.Repository, conn *websocket.Conn, rawPath string) error {
	path, err := storage.ParsePath(rawPath)
	if err != nil {
		return conn.WriteJSON(wsOutgoing{Type: wsError, Data: err.Error()})
	}
	stream, err := repo.Storage().StreamDirectory(ctx,
		storage.RepoRef{ID: repo.ID(), Name: repo.Name()}, path)
	if err != nil {
		return conn.WriteJSON(wsOutgoing{Type: wsError, Data: err.Error()})
	}
	if stream == nil {
		return conn.WriteJSON(wsOutgoing{Type: wsError, Data: "directory not found"})
	}
	defer stream.Close()

	primary := browsePrimaryData{
		NumberOfFiles:     stream.Count(),
		ProjectResolution: s.resolveProject(repo, path),
	}
	if err := conn.WriteJSON(wsOutgoing{Type: wsOpenedDirectory, Data: primary}); err != nil {
		return err
	}
	for {
		entry, err := stream.Next(ctx)
		if err != nil {
			return conn.WriteJSON(wsOutgoing{Type: wsError, Data: err.Error()})
		}
		if entry == nil {
			return conn.WriteJSON(wsOutgoing{Type: wsEndOfDirectory})
		}
		if err := conn.WriteJSON(wsOutgoing{Type: wsDirectoryItem, Data: entry}); err != nil {
			return err
		}
	}
}
