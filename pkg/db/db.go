package db

import (
	"fmt"
	"log"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/instill-ai/model-derivative-backend/config"
)

var db *gorm.DB
var once sync.Once

// GetConnection opens a new connection pool to the configured database.
func GetConnection() *gorm.DB {
	databaseConfig := config.Config.Database
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=%s",
		databaseConfig.Host,
		databaseConfig.Username,
		databaseConfig.Password,
		databaseConfig.Name,
		databaseConfig.Port,
		databaseConfig.TimeZone,
	)

	logLevel := logger.Silent
	if config.Config.Server.Debug {
		logLevel = logger.Info
	}

	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		log.Fatal(err.Error())
	}

	sqlDB, err := conn.DB()
	if err != nil {
		log.Fatal(err.Error())
	}

	// https://github.com/go-gorm/postgres/issues/66
	sqlDB.SetMaxIdleConns(databaseConfig.Pool.IdleConnections)
	sqlDB.SetMaxOpenConns(databaseConfig.Pool.MaxConnections)
	sqlDB.SetConnMaxLifetime(databaseConfig.Pool.ConnLifeTime)

	return conn
}

// GetSharedConnection returns the process-wide connection pool.
func GetSharedConnection() *gorm.DB {
	once.Do(func() {
		db = GetConnection()
	})
	return db
}

// Close closes the connection pool of conn.
func Close(conn *gorm.DB) {
	// https://github.com/go-gorm/gorm/issues/3216
	sqlDB, err := conn.DB()
	if err != nil {
		log.Println(err.Error())
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Println(err.Error())
	}
}
