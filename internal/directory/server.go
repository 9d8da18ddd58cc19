package directory

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

type roomURI struct {
	Code string `uri:"code" binding:"required,roomcode"`
}

type registerRequest struct {
	Address string `json:"address" binding:"required,url"`
}

type roomResponse struct {
	Code    string `json:"code"`
	Address string `json:"address"`
}

var registerMessages = bindMessages{
	"Address": {
		"required": "address is required",
		"url":      "address must be a URL",
	},
}

// Server exposes a Directory over HTTP.
type Server struct {
	dir Directory
}

func NewServer(dir Directory) *Server {
	registerValidators()
	return &Server{dir: dir}
}

func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	rooms := r.Group("/rooms")
	rooms.PUT("/:code", s.handleRegister)
	rooms.GET("/:code", s.handleResolve)
	rooms.DELETE("/:code", s.handleUnregister)
	return r
}

func (s *Server) handleRegister(c *gin.Context) {
	var uri roomURI
	if !bindURI(c, &uri) {
		return
	}
	var req registerRequest
	if !bindJSON(c, &req, registerMessages, "invalid room registration") {
		return
	}
	if err := s.dir.Register(c.Request.Context(), uri.Code, req.Address); err != nil {
		if errors.Is(err, ErrTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "room code already registered"})
			return
		}
		log.Printf("directory register failed code=%s err=%v", uri.Code, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register room"})
		return
	}
	log.Printf("room registered code=%s address=%s", uri.Code, req.Address)
	c.JSON(http.StatusCreated, roomResponse{Code: uri.Code, Address: req.Address})
}

func (s *Server) handleResolve(c *gin.Context) {
	var uri roomURI
	if !bindURI(c, &uri) {
		return
	}
	addr, err := s.dir.Resolve(c.Request.Context(), uri.Code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve room"})
		return
	}
	c.JSON(http.StatusOK, roomResponse{Code: uri.Code, Address: addr})
}

func (s *Server) handleUnregister(c *gin.Context) {
	var uri roomURI
	if !bindURI(c, &uri) {
		return
	}
	if err := s.dir.Unregister(c.Request.Context(), uri.Code); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unregister room"})
		return
	}
	log.Printf("room unregistered code=%s", uri.Code)
	c.Status(http.StatusNoContent)
}
