package api

import (
	"github.com/gin-gonic/gin"
)

func (s *Server) handleAgentsAvailable(c *gin.Context) {
	s.rt.Registry.Reload()
	ok(c, gin.H{"agents": s.rt.Registry.Available()})
}

func (s *Server) handleAgentsRegistered(c *gin.Context) {
	ok(c, gin.H{"agents": s.rt.Registry.Registered()})
}

// handleAgentAsset serves a manifest-declared static asset with a
// day-long cache.
func (s *Server) handleAgentAsset(c *gin.Context) {
	path, err := s.rt.Registry.AssetPath(c.Param("id"), c.Param("file"))
	if err != nil {
		fail(c, err, "agent_manifest_not_found")
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.File(path)
}

func (s *Server) handleAgentRegister(c *gin.Context) {
	id := c.Param("id")
	if err := s.rt.Registry.Register(id); err != nil {
		fail(c, err, "agent_manifest_not_found")
		return
	}
	ok(c, gin.H{"registered": s.registeredIDs()})
}

func (s *Server) handleAgentUnregister(c *gin.Context) {
	id := c.Param("id")
	if err := s.rt.Registry.Unregister(id); err != nil {
		fail(c, err, "agent_not_registered")
		return
	}
	s.refreshActive()
	ok(c, gin.H{"registered": s.registeredIDs()})
}

func (s *Server) handleAgentStart(c *gin.Context) {
	id := c.Param("id")
	if err := s.rt.Registry.Start(id); err != nil {
		fail(c, err, "agent_not_registered")
		return
	}
	s.refreshActive()
	ok(c, gin.H{"runtime": s.rt.Scheduler.Status()})
}

func (s *Server) handleAgentStop(c *gin.Context) {
	id := c.Param("id")
	if err := s.rt.Registry.Stop(id); err != nil {
		fail(c, err, "agent_not_registered")
		return
	}
	s.refreshActive()
	ok(c, gin.H{"runtime": s.rt.Scheduler.Status()})
}

func (s *Server) registeredIDs() []string {
	ids := []string{}
	for _, t := range s.rt.Registry.Registered() {
		ids = append(ids, t.TraderID)
	}
	return ids
}

// refreshActive re-evaluates the session gate immediately so start and
// stop take effect without waiting for the next check tick.
func (s *Server) refreshActive() {
	if s.rt.Cfg.Agent.SessionGuardEnabled {
		s.rt.Gate.Check()
		return
	}
	s.rt.Scheduler.SetActiveTraders(s.rt.Registry.Running())
}
