/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/cache"
	redis_db "github.com/blnkfinance/settle/internal/redis-db"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

// Declare a package-level variable to hold the singleton instance.
var instance *Datasource
var once sync.Once

var tracer = otel.Tracer("settle.database")

// ErrDuplicateEntry is wrapped by ledger writes whose correlation id was
// already recorded for the same account and operation.
var ErrDuplicateEntry = errors.New("ledger entry with this correlation id already exists")

// ErrStaleVersion is wrapped when an optimistic update matched no row.
var ErrStaleVersion = errors.New("row was modified by another writer")

type Datasource struct {
	Conn     *sql.DB
	Cache    cache.Cache
	CacheTTL time.Duration
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}

		instance = &Datasource{Conn: con}

		redisClient, errCache := redis_db.NewRedisClient([]string{configuration.Redis.Dns}, configuration.Redis.SkipTLSVerify)
		if errCache != nil {
			// Continue without cache instead of failing completely.
			log.Printf("Error creating cache: %v", errCache)
			return
		}
		instance.Cache = cache.NewRedisCache(redisClient.Client(), time.Minute)
		instance.CacheTTL = time.Duration(configuration.Routing.CacheTTLSec) * time.Second
	})
	if err != nil {
		once = sync.Once{}
		return nil, err
	}
	return instance, nil
}

// ConnectDB establishes a database connection with pooling.
func ConnectDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	err = db.Ping()
	if err != nil {
		log.Printf("Database connection error ❌: %v", err)
		_ = db.Close()
		return nil, err
	}

	log.Println("Database connection established ✅")
	return db, nil
}

func pqErrorName(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name()
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pqErrorName(err) == "unique_violation"
}

// isDefiniteFailure reports whether the server answered with an error, which
// means the statement or commit was rolled back. Anything else (a dropped
// connection, a timeout) leaves the outcome unknown.
func isDefiniteFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) || errors.Is(err, sql.ErrTxDone)
}
