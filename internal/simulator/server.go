// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simulator

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/staysafer/evacsync/internal/api"
	"github.com/staysafer/evacsync/internal/evac"
	"github.com/staysafer/evacsync/internal/push"
	"github.com/staysafer/evacsync/pkg/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mutationEnvelope is the wire response for /v1/mutate/:op.
type mutationEnvelope struct {
	OK        bool   `json:"ok"`
	Data      any    `json:"data,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// Server exposes the world over the product's two external protocols.
type Server struct {
	world  *World
	logger *logging.Logger
	router *gin.Engine
}

// NewServer builds the gin router over the world.
func NewServer(world *World, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{world: world, logger: logger, router: gin.New()}
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the http handler, for httptest and custom servers.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("simulator listening", "addr", addr)
	return s.router.Run(addr)
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.router.Group("/v1", s.auth())
	{
		companies := v1.Group("/companies/:companyId")
		{
			companies.GET("/roster", s.getRoster)
			companies.GET("/lists", s.getLists)
			companies.GET("/points", s.getPoints)
			companies.GET("/evacuation", s.getEvacuation)
			companies.GET("/history", s.getHistory)
		}
		v1.GET("/users/:userId/invites", s.getInvites)
		v1.GET("/evacuations/:evacuationId/checkins", s.getCheckins)
		v1.POST("/mutate/:op", s.mutate)
		v1.GET("/sub", s.subscribe)
	}
}

// auth resolves the bearer token to a world identity. The websocket
// endpoint goes through here too; push access needs the same token as
// REST access.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		member, ok := s.world.authenticate(token)
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set("identity", member)
		c.Next()
	}
}

func identity(c *gin.Context) evac.Member {
	member, _ := c.MustGet("identity").(evac.Member)
	return member
}

func (s *Server) getRoster(c *gin.Context) {
	c.JSON(http.StatusOK, s.world.rosterDoc(c.Param("companyId")))
}

func (s *Server) getLists(c *gin.Context) {
	c.JSON(http.StatusOK, s.world.listsDoc(c.Param("companyId")))
}

func (s *Server) getPoints(c *gin.Context) {
	c.JSON(http.StatusOK, s.world.pointsDoc(c.Param("companyId")))
}

func (s *Server) getEvacuation(c *gin.Context) {
	ev, ok := s.world.evacuationDoc(c.Param("companyId"))
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (s *Server) getHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.world.historyDoc(c.Param("companyId")))
}

func (s *Server) getInvites(c *gin.Context) {
	c.JSON(http.StatusOK, s.world.invitesDoc(c.Param("userId")))
}

func (s *Server) getCheckins(c *gin.Context) {
	records, ok := s.world.checkinsDoc(c.Param("evacuationId"))
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, records)
}

// mutate dispatches one mutation operation. Request bodies mirror the
// client's typed requests; responses use the ok/data/errorCode envelope.
func (s *Server) mutate(c *gin.Context) {
	user := identity(c)
	op := api.Operation(c.Param("op"))

	run := func(req any, apply func() (any, string)) {
		if err := c.ShouldBindJSON(req); err != nil {
			c.JSON(http.StatusBadRequest, mutationEnvelope{ErrorCode: "malformed_request"})
			return
		}
		data, code := apply()
		if code != "" {
			c.JSON(http.StatusOK, mutationEnvelope{ErrorCode: code})
			return
		}
		c.JSON(http.StatusOK, mutationEnvelope{OK: true, Data: data})
	}

	switch op {
	case api.OpCreateEvacuation:
		var req api.CreateEvacuationRequest
		run(&req, func() (any, string) { return s.world.createEvacuation(req) })
	case api.OpEndEvacuation:
		var req api.EndEvacuationRequest
		run(&req, func() (any, string) { return s.world.endEvacuation(req, user.ID) })
	case api.OpUpdateRole:
		var req api.UpdateRoleRequest
		run(&req, func() (any, string) { return s.world.updateRole(req) })
	case api.OpAddListMember:
		var req api.ListMemberRequest
		run(&req, func() (any, string) { return s.world.changeListMember(req, user.CompanyID, true, user.ID) })
	case api.OpRemoveListMember:
		var req api.ListMemberRequest
		run(&req, func() (any, string) { return s.world.changeListMember(req, user.CompanyID, false, user.ID) })
	case api.OpAddTempContact:
		var req api.TempContactRequest
		run(&req, func() (any, string) { return s.world.changeTempContact(req, user.CompanyID, true, user.ID) })
	case api.OpRemoveTempContact:
		var req api.TempContactRequest
		run(&req, func() (any, string) { return s.world.changeTempContact(req, user.CompanyID, false, user.ID) })
	case api.OpRespondInvite:
		var req api.RespondInviteRequest
		run(&req, func() (any, string) { return s.world.respondInvite(req, user) })
	case api.OpCheckin:
		var req api.CheckinRequest
		run(&req, func() (any, string) { return s.world.recordCheckin(req) })
	case api.OpMarkAbsent:
		var req api.MarkAbsentRequest
		run(&req, func() (any, string) { return s.world.markAbsent(req) })
	case api.OpRenameList:
		var req api.RenameListRequest
		run(&req, func() (any, string) { return s.world.renameList(req, user.CompanyID, user.ID) })
	case api.OpAssignEvacPoint:
		var req api.AssignEvacPointRequest
		run(&req, func() (any, string) { return s.world.assignEvacPoint(req, user.ID) })
	case api.OpUpdateSettings:
		var req api.UpdateSettingsRequest
		run(&req, func() (any, string) { return s.world.updateSettings(req) })
	default:
		c.JSON(http.StatusBadRequest, mutationEnvelope{ErrorCode: "unknown_operation"})
	}
}

// subControl mirrors the client's subscription control message.
type subControl struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// subscribe upgrades to a websocket and serves topic subscriptions.
//
// Broker callbacks only enqueue into the outbound channel; a single
// writer goroutine owns the connection, so publishes never block a
// mutation on a slow client.
func (s *Server) subscribe(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	s.logger.Info("push client connected", "remote", ws.RemoteAddr().String())

	outbound := make(chan push.Delivery, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for d := range outbound {
			if err := ws.WriteJSON(d); err != nil {
				return
			}
		}
	}()

	cancels := make(map[string]func())
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
		close(outbound)
		<-writerDone
	}()

	for {
		var ctl subControl
		if err := ws.ReadJSON(&ctl); err != nil {
			s.logger.Info("push client disconnected", "error", err.Error())
			return
		}
		switch ctl.Action {
		case "subscribe":
			if _, _, err := evac.ParseTopic(ctl.Topic); err != nil {
				s.logger.Warn("subscribe for malformed topic ignored", "topic", ctl.Topic)
				continue
			}
			if _, dup := cancels[ctl.Topic]; dup {
				continue
			}
			topic := ctl.Topic
			cancels[topic] = s.world.broker.subscribe(topic, func(d push.Delivery) {
				select {
				case outbound <- d:
				default:
					s.logger.Warn("slow push client, frame dropped", "topic", topic)
				}
			})
		case "unsubscribe":
			if cancel, ok := cancels[ctl.Topic]; ok {
				cancel()
				delete(cancels, ctl.Topic)
			}
		default:
			s.logger.Warn("unknown control action ignored", "action", ctl.Action)
		}
	}
}
