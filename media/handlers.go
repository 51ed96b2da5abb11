// SPDX-License-Identifier: ice License 1.0

package media

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"path/filepath"

	gomime "github.com/cubewise-code/go-mime"
	"github.com/gin-gonic/gin"
)

// Policy is the small, focused admission check for one blossom instance's
// uploads, evaluated the same way §4.B evaluates relay write policy without
// pulling in the full relay policy.Engine. Listing is not checked against it.
type Policy struct {
	RequireAuth    bool
	AllowedPubkeys map[string]struct{}
	MaxFileSize    int64
}

func (p Policy) allows(pubkey string) bool {
	if len(p.AllowedPubkeys) > 0 {
		if _, ok := p.AllowedPubkeys[pubkey]; !ok {
			return false
		}
	}

	return true
}

// Server bundles one blossom instance's blob store and admission policy
// behind the Blossom HTTP surface.
type Server struct {
	Store  *Store
	Policy Policy
}

func errBody(msg string) gin.H { return gin.H{"message": msg} }

// Upload handles PUT /upload: the request body is the raw blob, and
// Authorization carries a kind-24242 "upload" auth event.
func (s *Server) Upload() gin.HandlerFunc {
	return func(c *gin.Context) {
		ev, err := verifyAuth(c.GetHeader("Authorization"), "upload")
		if s.Policy.RequireAuth && err != nil {
			c.JSON(http.StatusUnauthorized, errBody(err.Error()))

			return
		}
		uploader := ""
		if ev != nil {
			uploader = ev.PubKey
		}
		if !s.Policy.allows(uploader) {
			c.JSON(http.StatusForbidden, errBody("pubkey not allowed to upload"))

			return
		}

		limit := s.Policy.MaxFileSize
		if limit <= 0 {
			limit = 100 * 1024 * 1024
		}
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, errBody("failed to read request body"))

			return
		}
		if int64(len(data)) > limit {
			c.JSON(http.StatusRequestEntityTooLarge, errBody("blob exceeds max_file_size"))

			return
		}

		sum := sha256.Sum256(data)
		digest := hex.EncodeToString(sum[:])
		if ev != nil {
			if x := tagValue(ev, "x"); x != "" && x != digest {
				c.JSON(http.StatusBadRequest, errBody("x tag does not match uploaded content"))

				return
			}
		}

		mimeType := c.ContentType()
		if mimeType == "" || mimeType == "application/octet-stream" {
			// Some Blossom clients pass the original name via ?filename= to
			// let the server sniff a type when Content-Type is generic.
			if name := c.Query("filename"); name != "" {
				if sniffed := gomime.TypeByExtension(filepath.Ext(name)); sniffed != "" {
					mimeType = sniffed
				}
			}
		}
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		blob, err := s.Store.Save(digest, data, mimeType, uploader)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errBody("failed to store blob"))

			return
		}

		c.JSON(http.StatusOK, descriptor(blob, c.Request.Host))
	}
}

// List handles GET /list/{pubkey}.
func (s *Server) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		pubkey := c.Param("pubkey")
		blobs := s.Store.ListByUploader(pubkey)

		out := make([]gin.H, 0, len(blobs))
		for _, b := range blobs {
			out = append(out, descriptor(b, c.Request.Host))
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get handles GET /{sha256}.
func (s *Server) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		digest := c.Param("sha256")
		blob, ok := s.Store.Meta(digest)
		if !ok {
			c.Status(http.StatusNotFound)

			return
		}
		data, err := s.Store.Read(digest)
		if err != nil {
			c.Status(http.StatusNotFound)

			return
		}
		c.Data(http.StatusOK, blob.MimeType, data)
	}
}

// Delete handles DELETE /{sha256}.
func (s *Server) Delete() gin.HandlerFunc {
	return func(c *gin.Context) {
		digest := c.Param("sha256")
		ev, err := verifyAuth(c.GetHeader("Authorization"), "delete")
		if err != nil {
			c.JSON(http.StatusUnauthorized, errBody(err.Error()))

			return
		}

		blob, ok := s.Store.Meta(digest)
		if !ok {
			c.Status(http.StatusNoContent)

			return
		}
		if blob.Uploader != "" && blob.Uploader != ev.PubKey {
			c.JSON(http.StatusForbidden, errBody("only the uploader may delete this blob"))

			return
		}

		if err := s.Store.Delete(digest); err != nil {
			c.JSON(http.StatusInternalServerError, errBody("failed to delete blob"))

			return
		}
		c.Status(http.StatusNoContent)
	}
}

func descriptor(b Blob, host string) gin.H {
	return gin.H{
		"url":      "https://" + host + "/" + b.SHA256,
		"sha256":   b.SHA256,
		"size":     b.Size,
		"type":     b.MimeType,
		"uploaded": b.Uploaded,
	}
}

// Register wires the standalone Blossom endpoints into an existing gin
// router group, mirroring the plain (non-/api) surface a blossom
// subdomain serves.
func Register(r gin.IRouter, s *Server) {
	r.PUT("/upload", s.Upload())
	r.GET("/list/:pubkey", s.List())
	r.GET("/:sha256", s.Get())
	r.DELETE("/:sha256", s.Delete())
}

// PolicyFromConfig is a light adapter so callers needn't import cfg into
// media just for the pubkey-set parsing helper.
func PolicyFromConfig(requireAuth bool, allowed map[string]struct{}, maxFileSize int64) Policy {
	return Policy{RequireAuth: requireAuth, AllowedPubkeys: allowed, MaxFileSize: maxFileSize}
}
