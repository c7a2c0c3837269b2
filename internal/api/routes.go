package api

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/config", s.handleConfig)
		api.GET("/traders", s.handleTraders)
		api.GET("/competition", s.handleCompetition)
		api.GET("/top-traders", s.handleTopTraders)
		api.GET("/status", s.handleStatus)
		api.GET("/account", s.handleAccount)
		api.GET("/positions", s.handlePositions)
		api.GET("/statistics", s.handleStatistics)
		api.GET("/equity-history", s.handleEquityHistory)
		api.POST("/equity-history-batch", s.handleEquityHistoryBatch)
		api.GET("/positions/history", s.handlePositionsHistory)
		api.GET("/symbols", s.handleSymbols)

		api.GET("/decisions/latest", s.handleDecisionsLatest)

		api.GET("/market/frames", s.handleMarketFrames)
		api.GET("/klines", s.handleKlines)
		api.GET("/market/stream", s.handleMarketStream)
		api.GET("/agent/market-context", s.handleMarketContext)
		api.GET("/ops/live-preflight", s.handleLivePreflight)

		api.GET("/agent/runtime/status", s.handleRuntimeStatus)
		api.GET("/replay/runtime/status", s.handleReplayStatus)

		api.GET("/agents/available", s.handleAgentsAvailable)
		api.GET("/agents/registered", s.handleAgentsRegistered)
		api.GET("/agents/:id/assets/:file", s.handleAgentAsset)
		api.GET("/agents/:id/decision-audit/latest", s.handleDecisionAudit)

		api.GET("/rooms/:roomId/stream-packet", s.handleStreamPacket)
		api.GET("/rooms/:roomId/events", s.handleRoomEvents)

		api.GET("/chat/rooms/:roomId/public", s.handleChatPublic)
		api.GET("/chat/rooms/:roomId/private", s.handleChatPrivate)
		api.GET("/chat/tts/config", s.handleTTSConfig)
		api.GET("/chat/tts/profile", s.handleTTSProfileGet)

		api.GET("/bets/market", s.handleBetsMarket)
		api.GET("/bets/credits", s.handleBetsCredits)

		mutating := api.Group("", s.controlToken())
		{
			mutating.POST("/chat/session/bootstrap", s.handleChatBootstrap)
			mutating.POST("/chat/rooms/:roomId/messages", s.handleChatPost)
			mutating.POST("/chat/tts", s.handleTTSSpeak)
			mutating.POST("/chat/tts/profile", s.handleTTSProfileSet)
			mutating.DELETE("/chat/tts/profile", s.handleTTSProfileDelete)

			mutating.POST("/bets/place", s.handleBetsPlace)

			mutating.POST("/agents/:id/register", s.handleAgentRegister)
			mutating.POST("/agents/:id/unregister", s.handleAgentUnregister)
			mutating.POST("/agents/:id/start", s.handleAgentStart)
			mutating.POST("/agents/:id/stop", s.handleAgentStop)

			mutating.POST("/agent/runtime/control", s.handleRuntimeControl)
			mutating.POST("/agent/runtime/kill-switch", s.handleKillSwitch)
			mutating.POST("/replay/runtime/control", s.handleReplayControl)

			mutating.POST("/dev/factory-reset", s.handleFactoryReset)
			mutating.POST("/dev/reset-agent", s.handleResetAgent)
		}
	}
}
