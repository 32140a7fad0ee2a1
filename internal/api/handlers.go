package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/mkobayashi/go-chatapp/internal/database"
	"github.com/mkobayashi/go-chatapp/internal/server"
	"github.com/mkobayashi/go-chatapp/internal/types"
)

const defaultHistoryLimit = 100

type UpdateProfileRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type CreateConversationRequest struct {
	PartnerId int `json:"partner_id"`
}

type ConversationResponse struct {
	Id          int    `json:"id"`
	PartnerId   int    `json:"partner_id"`
	PartnerName string `json:"partner_name"`
}

type AdminUpdateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatApp) getProfile(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetUserById(userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.User{
		Id:        user.Id,
		Name:      user.Name,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	})
}

func (s *ChatApp) updateProfile(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name == "" || req.Email == "" {
		errResp := NewValidationError("全ての項目を入力してください")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.UpdateUser(database.UpdateUserParams{
		UserId: userId,
		Name:   req.Name,
		Email:  req.Email,
	})
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrDuplicateEmail) {
			errResp = NewValidationError("このメールアドレスは既に登録されています")
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.User{
		Id:        user.Id,
		Name:      user.Name,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	})
}

func (s *ChatApp) getRooms(w http.ResponseWriter, r *http.Request) {
	dbRooms, err := s.db.GetRooms()
	if err != nil {
		s.log.Println("get rooms:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, room := range dbRooms {
		rooms = append(rooms, types.Room{
			Id:           room.Id,
			Name:         room.Name,
			Description:  room.Description,
			MessageCount: room.MessageCount,
			CreatedAt:    room.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *ChatApp) getRoomMessages(w http.ResponseWriter, r *http.Request) {
	roomId, err := strconv.Atoi(r.PathValue("roomId"))
	if err != nil || roomId <= 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	limit := parseLimit(r)

	dbMessages, err := s.db.GetMessages(roomId, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, msg := range dbMessages {
		messages = append(messages, types.Message{
			Id:        msg.Id,
			UserId:    msg.UserId,
			UserName:  msg.UserName,
			Message:   msg.Message,
			CreatedAt: msg.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *ChatApp) getOnlineUsers(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, s.cs.OnlineUsers())
}

func (s *ChatApp) searchUsers(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	email := r.URL.Query().Get("email")
	if len(email) < 2 {
		// too short to search on; mirror an empty result rather than an error
		s.writeJson(w, http.StatusOK, []types.User{})
		return
	}

	dbUsers, err := s.db.SearchUsersByEmail(email, userId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	users := make([]types.User, 0, len(dbUsers))
	for _, u := range dbUsers {
		users = append(users, types.User{
			Id:    u.Id,
			Name:  u.Name,
			Email: u.Email,
		})
	}

	s.writeJson(w, http.StatusOK, users)
}

func (s *ChatApp) getConversations(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbConvs, err := s.db.GetDmConversations(userId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	convs := make([]types.Conversation, 0, len(dbConvs))
	for _, conv := range dbConvs {
		convs = append(convs, types.Conversation{
			Id:            conv.Id,
			PartnerId:     conv.PartnerId,
			PartnerName:   conv.PartnerName,
			LastMessage:   conv.LastMessage,
			LastMessageAt: conv.LastMessageAt,
		})
	}

	s.writeJson(w, http.StatusOK, convs)
}

func (s *ChatApp) createConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.PartnerId <= 0 || req.PartnerId == userId {
		errResp := NewValidationError("相手のユーザーIDが必要です")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	partner, err := s.db.GetUserById(req.PartnerId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conv, err := s.db.GetOrCreateDmConversation(userId, partner.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, ConversationResponse{
		Id:          conv.Id,
		PartnerId:   partner.Id,
		PartnerName: partner.Name,
	})
}

func (s *ChatApp) getConversationMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	convId, err := strconv.Atoi(r.PathValue("convId"))
	if err != nil || convId <= 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	limit := parseLimit(r)

	dbMessages, err := s.db.GetDmMessages(convId, userId, limit)
	if err != nil {
		var errResp *ApiError
		switch {
		case errors.Is(err, database.ErrNotParticipant):
			// authorization failure, not an empty history
			errResp = NewForbiddenError()
		case errors.Is(err, sql.ErrNoRows):
			errResp = NewNotFoundError()
		default:
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages := make([]types.DmMessage, 0, len(dbMessages))
	for _, msg := range dbMessages {
		messages = append(messages, types.DmMessage{
			Id:             msg.Id,
			ConversationId: msg.ConversationId,
			UserId:         msg.SenderId,
			UserName:       msg.SenderName,
			Message:        msg.Message,
			CreatedAt:      msg.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *ChatApp) adminListUsers(w http.ResponseWriter, r *http.Request) {
	dbUsers, err := s.db.GetAllUsers()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	users := make([]types.User, 0, len(dbUsers))
	for _, u := range dbUsers {
		users = append(users, types.User{
			Id:        u.Id,
			Name:      u.Name,
			Email:     u.Email,
			Role:      u.Role,
			CreatedAt: u.CreatedAt,
			UpdatedAt: u.UpdatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, users)
}

func (s *ChatApp) adminUpdateUser(w http.ResponseWriter, r *http.Request) {
	targetId, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || targetId <= 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req AdminUpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name == "" || req.Email == "" || (req.Role != types.RoleMember && req.Role != types.RoleAdmin) {
		errResp := NewValidationError("更新に失敗しました")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.AdminUpdateUser(database.AdminUpdateUserParams{
		UserId: targetId,
		Name:   req.Name,
		Email:  req.Email,
		Role:   req.Role,
	})
	if err != nil {
		var errResp *ApiError
		switch {
		case errors.Is(err, database.ErrDuplicateEmail):
			errResp = NewValidationError("このメールアドレスは既に登録されています")
		case errors.Is(err, sql.ErrNoRows):
			errResp = NewNotFoundError()
		default:
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.User{
		Id:        user.Id,
		Name:      user.Name,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	})
}

func (s *ChatApp) adminDeleteUser(w http.ResponseWriter, r *http.Request) {
	targetId, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || targetId <= 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.DeleteUser(targetId); err != nil {
		s.log.Println("delete user:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetUserById(id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(types.User{
		Id:    user.Id,
		Name:  user.Name,
		Email: user.Email,
		Role:  user.Role,
	}, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}

func parseLimit(r *http.Request) int {
	limit := defaultHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	return limit
}
