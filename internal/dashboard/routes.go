package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
	"gorm.io/gorm"
)

// registerRoutes sets up all dashboard routes on the Gin router. Everything
// is read-only; pairing changes happen through chat commands.
func registerRoutes(router *gin.Engine, db *gorm.DB) {
	router.GET("/healthz", handleHealth(db))
	router.GET("/api/stats", handleStats(db))
	router.GET("/api/pairs", handlePairs(db))
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.Ping() != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleStats(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := store.Stats(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// pairView is the wire shape of a pairing. Channel IDs are exposed; visitor
// identities never are.
type pairView struct {
	ID                uint   `json:"id"`
	LobbyChannelID    string `json:"lobby_channel_id"`
	ControlChannelID  string `json:"control_channel_id"`
	Pending           bool   `json:"pending"`
	AnonymousMode     bool   `json:"anonymous_mode"`
	DMAnonymousMode   bool   `json:"dm_anonymous_mode"`
	SendConfirmations bool   `json:"send_confirmations"`
	ActiveSessions    int64  `json:"active_sessions"`
}

func handlePairs(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		registry := store.NewRegistry(db)
		pairs, err := registry.All()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		views := make([]pairView, 0, len(pairs))
		for _, p := range pairs {
			var active int64
			if err := db.Model(&models.Session{}).
				Where("room_pair_id = ? AND status = ?", p.ID, models.SessionActive).
				Count(&active).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			views = append(views, pairView{
				ID:                p.ID,
				LobbyChannelID:    p.LobbyChannelID,
				ControlChannelID:  p.ControlChannelID,
				Pending:           p.IsPending(),
				AnonymousMode:     p.AnonymousMode,
				DMAnonymousMode:   p.DMAnonymousMode,
				SendConfirmations: p.SendConfirmations,
				ActiveSessions:    active,
			})
		}
		c.JSON(http.StatusOK, views)
	}
}
