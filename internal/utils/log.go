// Package utils
package utils

import (
	"io"
	"log"
	"os"
	"sync"
)

var (
	logger *log.Logger
	once   sync.Once
)

// InitLogger routes the shared logger to stderr and, when path is not empty,
// to an append-only log file as well. Only the first call has an effect.
func InitLogger(path string) error {
	var initErr error
	once.Do(func() {
		var w io.Writer = os.Stderr
		if path != "" {
			file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				initErr = err
			} else {
				w = io.MultiWriter(os.Stderr, file)
			}
		}
		logger = log.New(w, "Simple Backtester: ", log.LstdFlags)
	})
	return initErr
}

func GetLogger() *log.Logger {
	if err := InitLogger(""); err != nil {
		log.Printf("GetLogger | %v", err)
	}
	return logger
}
