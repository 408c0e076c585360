package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/perch-im/go-perch/config"
	"github.com/perch-im/go-perch/internal/db"
)

func randomSuffix() string {
	var b [8]byte
	_, err := io.ReadFull(crypto_rand.Reader, b[:])
	if err != nil {
		panic("short read from random source")
	}
	return fmt.Sprintf("%x", b[:])
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("*-journal")
	DeleteAll("test-*")
	return c
}

var Key = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func NewTestDatabase(c *config.Config) *db.Database {
	p := fmt.Sprintf("test-%s", randomSuffix())
	database, err := db.NewDatabase(c, p)
	if err != nil {
		panic(err)
	}
	if err := database.Initialize(Key); err != nil {
		panic(err)
	}
	if err := database.Open(Key); err != nil {
		panic(err)
	}
	return database
}
