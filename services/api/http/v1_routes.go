package http

// registerV1Routes sets up /api/v1/readings, /api/v1/plants and /api/v1/archive.
func (s *Server) registerV1Routes() {
	v1 := s.engine.Group("/api/v1")
	v1.Use(apiVersionMiddleware())

	v1.GET("/readings/latest", s.handleV1LatestReadings)
	v1.GET("/plants/:plant_id/readings", s.handleV1PlantReadings)

	archive := v1.Group("/archive")
	{
		archive.GET("/dates", s.handleV1ArchiveDates)
		archive.GET("/objects", s.handleV1ArchiveObjects)
	}
}
