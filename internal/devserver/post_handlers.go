package devserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/launchpad/launchpad/internal/middleware"
	"github.com/launchpad/launchpad/internal/models"
)

type Post struct {
	ID        string    `json:"_id"`
	Author    string    `json:"author"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Comments  []Comment `json:"comments"`
	CreatedAt time.Time `json:"createdAt"`
}

type Comment struct {
	ID        string    `json:"_id"`
	PostID    string    `json:"postId"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type createPostRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// PostHandlers serves the protected resource endpoints. Creating a post or a
// comment is announced on the realtime hub.
type PostHandlers struct {
	hub   *Hub
	users *UserRepository

	mu    sync.RWMutex
	posts []*Post
}

func NewPostHandlers(hub *Hub, users *UserRepository) *PostHandlers {
	return &PostHandlers{hub: hub, users: users}
}

func (h *PostHandlers) List(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	out := make([]Post, 0, len(h.posts))
	for i := len(h.posts) - 1; i >= 0; i-- {
		out = append(out, *h.posts[i])
	}
	h.mu.RUnlock()

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    out,
	})
}

func (h *PostHandlers) Create(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())

	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		respondWithError(w, http.StatusBadRequest, "Title is required")
		return
	}

	post := &Post{
		ID:        uuid.New().String(),
		Author:    principal.UserID,
		Title:     strings.TrimSpace(req.Title),
		Content:   req.Content,
		Comments:  []Comment{},
		CreatedAt: time.Now().UTC(),
	}
	h.mu.Lock()
	h.posts = append(h.posts, post)
	h.mu.Unlock()

	h.hub.Broadcast(models.EventPostCreated, post)
	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"data":    post,
	})
}

func (h *PostHandlers) AddComment(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())
	postID := mux.Vars(r)["id"]

	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		respondWithError(w, http.StatusBadRequest, "Content is required")
		return
	}

	comment := Comment{
		ID:        uuid.New().String(),
		PostID:    postID,
		Author:    principal.UserID,
		Content:   strings.TrimSpace(req.Content),
		CreatedAt: time.Now().UTC(),
	}

	h.mu.Lock()
	var post *Post
	for _, p := range h.posts {
		if p.ID == postID {
			post = p
			break
		}
	}
	if post != nil {
		post.Comments = append(post.Comments, comment)
	}
	h.mu.Unlock()

	if post == nil {
		respondWithError(w, http.StatusNotFound, "Post not found")
		return
	}

	h.hub.Broadcast(models.EventCommentCreated, comment)
	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"data":    comment,
	})
}

// Users lists chat peers for the signed-in user.
func (h *PostHandlers) Users(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    h.users.List(principal.UserID),
	})
}
