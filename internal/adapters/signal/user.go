package signal

import (
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/gin-gonic/gin"
)

// UserKey is the gin context key holding the authenticated user id.
const UserKey = "user_id"

func (ctl *SignalWSController) handleWhoAmI(user domain.UserID, conn *WsSignalConn) {
	ctl.sendJSON(conn, domain.HubFrame{Type: domain.FrameWhoAmI, User: user})
}

// UserFrom returns the user id set by the identity middleware.
func UserFrom(c *gin.Context) domain.UserID {
	return domain.UserID(c.GetString(UserKey))
}
