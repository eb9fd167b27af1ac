package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/shopspring/decimal"

	"crashd/internal/game"
	"crashd/internal/store"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/game/state", s.getGameStateHandler)
	api.Post("/game/bet", s.placeBetHandler)
	api.Post("/game/cashout", s.cashOutHandler)

	api.Get("/rounds", s.recentRoundsHandler)
	api.Get("/rounds/:roundId/verify", s.verifyRoundHandler)

	api.Get("/users/:userId/bets", s.getUserBetsHandler)
	api.Get("/user/:userId/balance", s.getUserBalanceHandler)
	api.Post("/user/:userId/balance", s.setUserBalanceHandler)

	// WebSocket route
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	roundStatus := "idle"
	if round := s.manager.CurrentRound(); round != nil {
		roundStatus = string(round.Status)
	}

	health := fiber.Map{
		"database": s.db.Health(),
		"balance":  s.balance.Health(),
		"store":    s.store.Health(),
		"game": fiber.Map{
			"status":            roundStatus,
			"connected_clients": s.hub.GetClientCount(),
		},
	}
	return c.JSON(health)
}

// getGameStateHandler returns the current round plus every committed bet.
func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	snapshot := s.manager.GetSnapshot()
	if snapshot == nil {
		return c.Status(404).JSON(fiber.Map{
			"error": "No active game round",
		})
	}
	return c.JSON(snapshot)
}

// placeBetHandler handles bet placement requests
func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req game.BetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.UserID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	resp := s.manager.PlaceBet(c.Context(), req)
	if !resp.Success {
		return c.Status(statusForReason(resp.Reason)).JSON(resp)
	}

	return c.JSON(resp)
}

// cashOutHandler handles manual cash-out requests
func (s *FiberServer) cashOutHandler(c *fiber.Ctx) error {
	var req game.CashOutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.UserID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	resp := s.manager.CashOut(c.Context(), req.UserID)
	if !resp.Success {
		return c.Status(statusForReason(resp.Reason)).JSON(resp)
	}

	return c.JSON(resp)
}

// statusForReason maps rejection reasons to HTTP status codes. Everything a
// client could have avoided is a 4xx; only internal_error is a 500.
func statusForReason(reason string) int {
	switch reason {
	case "internal_error":
		return 500
	case "insufficient_balance":
		return 402
	case "duplicate_bet":
		return 409
	default:
		return 400
	}
}

// recentRoundsHandler returns the latest crashed rounds, newest first.
func (s *FiberServer) recentRoundsHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	rounds, err := s.store.RecentRounds(c.Context(), limit)
	if err != nil {
		log.Printf("[API] recent rounds query failed: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load rounds",
		})
	}

	return c.JSON(fiber.Map{
		"rounds": rounds,
	})
}

// verifyRoundHandler re-derives a finished round's crash point from its
// revealed seed so anyone can check the outcome was fixed before betting
// opened. Seeds for unfinished rounds are never exposed.
func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	roundID := c.Params("roundId")

	round, err := s.store.GetRound(c.Context(), roundID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{
				"error": "Round not found",
			})
		}
		log.Printf("[API] round lookup failed: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load round",
		})
	}

	if round.Status != string(game.RoundCrashed) {
		return c.Status(409).JSON(fiber.Map{
			"error": "Round is not finished; seed not yet revealed",
		})
	}

	recomputed := s.fair.CrashPoint(round.ServerSeed, round.Nonce)
	valid := s.fair.Verify(round.ServerSeed, round.ServerSeedHash, round.Nonce, round.CrashPoint)

	return c.JSON(fiber.Map{
		"round_id":               round.ID,
		"nonce":                  round.Nonce,
		"server_seed":            round.ServerSeed,
		"server_seed_hash":       round.ServerSeedHash,
		"crash_point":            round.CrashPoint,
		"recomputed_crash_point": recomputed,
		"valid":                  valid,
	})
}

// getUserBetsHandler returns a user's settled bets, newest first.
func (s *FiberServer) getUserBetsHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	bets, err := s.store.UserBets(c.Context(), userID, limit)
	if err != nil {
		log.Printf("[API] user bets query failed: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load bets",
		})
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"bets":    bets,
	})
}

// getUserBalanceHandler returns a user's balance
func (s *FiberServer) getUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	bal, err := s.balance.Balance(c.Context(), userID, s.cfg.Asset)
	if err != nil {
		log.Printf("[API] balance lookup failed: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load balance",
		})
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"asset":   s.cfg.Asset,
		"balance": bal,
	})
}

// setUserBalanceHandler sets a user's balance (for testing/admin)
func (s *FiberServer) setUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	var body struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if body.Balance.IsNegative() {
		return c.Status(400).JSON(fiber.Map{
			"error": "Balance must not be negative",
		})
	}

	if err := s.balance.SetBalance(c.Context(), userID, s.cfg.Asset, body.Balance); err != nil {
		log.Printf("[API] set balance failed: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to set balance",
		})
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"asset":   s.cfg.Asset,
		"balance": body.Balance,
		"message": "Balance updated successfully",
	})
}

type wsClientMessage struct {
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	AutoCashOut float64         `json:"auto_cashout"`
}

// gameWebSocketHandler handles WebSocket connections for real-time game updates
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	// Extract user ID from query params
	userID := conn.Query("user_id", "anonymous")

	log.Printf("[WS] New connection from user: %s", userID)

	// Register client with hub
	s.hub.RegisterClient(conn, userID)

	// Send initial state
	if snapshot := s.manager.GetSnapshot(); snapshot != nil {
		stateJSON, _ := json.Marshal(map[string]interface{}{
			"type": "initial_state",
			"data": snapshot,
		})
		conn.WriteMessage(websocket.TextMessage, stateJSON)
	}

	// Handle incoming messages
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] Read error for user %s: %v", userID, err)
			s.hub.UnregisterClient(conn)
			break
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var clientMsg wsClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			continue
		}

		switch clientMsg.Type {
		case "place_bet":
			resp := s.manager.PlaceBet(context.Background(), game.BetRequest{
				UserID:      userID,
				Amount:      clientMsg.Amount,
				AutoCashOut: clientMsg.AutoCashOut,
			})

			respJSON, _ := json.Marshal(resp)
			conn.WriteMessage(websocket.TextMessage, respJSON)

		case "cash_out":
			resp := s.manager.CashOut(context.Background(), userID)

			respJSON, _ := json.Marshal(resp)
			conn.WriteMessage(websocket.TextMessage, respJSON)

		case "get_state":
			if snapshot := s.manager.GetSnapshot(); snapshot != nil {
				stateJSON, _ := json.Marshal(map[string]interface{}{
					"type": "game_state",
					"data": snapshot,
				})
				conn.WriteMessage(websocket.TextMessage, stateJSON)
			}

		case "ping":
			pongJSON, _ := json.Marshal(map[string]string{"type": "pong"})
			conn.WriteMessage(websocket.TextMessage, pongJSON)
		}
	}
}
