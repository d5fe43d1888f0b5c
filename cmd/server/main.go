package main

import (
	_ "github.com/mntrk/observatory-backend/docs"
	"github.com/mntrk/observatory-backend/internal/bootstrap"
)

// @title Observatory Backend API
// @version 1.0.0
// @description Detection ingestion and live fan-out service for the wildlife observatory dashboard

// @host localhost:8080
// @BasePath /api/v1

func main() {
	bootstrap.Run()
}
