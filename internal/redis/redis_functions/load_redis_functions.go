package redis_functions

import (
	"bufio"
	"bytes"
	"context"
	"embed"
	"fmt"
	"path"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Function names registered by listings.lua.
const (
	PutSnapshot = "listing_put_snapshot"
	ApplyBid    = "listing_apply_bid"
	EndListing  = "listing_end"
)

// Required lists what the rest of the service calls through FCALL.
var Required = []string{PutSnapshot, ApplyBid, EndListing}

//go:embed *.lua
var scripts embed.FS

// library is one embedded Lua file and the name from its shebang.
type library struct {
	file string
	name string
	code string
}

// libraries reads every embedded script. A file without a
// "#!lua name=<lib>" first line is an error.
func libraries() ([]library, error) {
	entries, err := scripts.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("read embedded scripts: %w", err)
	}
	var libs []library
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".lua" {
			continue
		}
		code, err := scripts.ReadFile(e.Name())
		if err != nil {
			return nil, err
		}
		name, err := libraryName(code)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		libs = append(libs, library{file: e.Name(), name: name, code: string(code)})
	}
	return libs, nil
}

func libraryName(code []byte) (string, error) {
	sc := bufio.NewScanner(bytes.NewReader(code))
	if !sc.Scan() {
		return "", fmt.Errorf("empty script")
	}
	first := strings.TrimSpace(sc.Text())
	const prefix = "#!lua name="
	if !strings.HasPrefix(first, prefix) || len(first) == len(prefix) {
		return "", fmt.Errorf("missing %q shebang", prefix)
	}
	return strings.Fields(first[len(prefix):])[0], nil
}

// LoadAll replaces every embedded library in Redis, then checks that all
// Required functions ended up registered.
func LoadAll(ctx context.Context, rdb redis.Cmdable) error {
	libs, err := libraries()
	if err != nil {
		return err
	}
	registered := make(map[string]bool)
	for _, lib := range libs {
		if err := rdb.FunctionLoadReplace(ctx, lib.code).Err(); err != nil {
			return fmt.Errorf("load lua %s: %w", lib.file, err)
		}
		list, err := rdb.FunctionList(ctx, redis.FunctionListQuery{LibraryNamePattern: lib.name}).Result()
		if err != nil {
			return fmt.Errorf("list lua %s: %w", lib.name, err)
		}
		for _, l := range list {
			for _, fn := range l.Functions {
				registered[fn.Name] = true
			}
		}
		zap.L().Info("lua library loaded", zap.String("library", lib.name), zap.String("file", lib.file))
	}
	for _, fn := range Required {
		if !registered[fn] {
			return fmt.Errorf("redis function %s not registered", fn)
		}
	}
	return nil
}
