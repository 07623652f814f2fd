package redis_functions

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibraryName(t *testing.T) {
	name, err := libraryName([]byte("#!lua name=estatebid\nlocal x = 1\n"))
	require.NoError(t, err)
	assert.Equal(t, "estatebid", name)

	_, err = libraryName([]byte("local x = 1\n"))
	assert.Error(t, err)
	_, err = libraryName(nil)
	assert.Error(t, err)
}

func TestEmbeddedLibraries(t *testing.T) {
	libs, err := libraries()
	require.NoError(t, err)
	require.Len(t, libs, 1)
	assert.Equal(t, "estatebid", libs[0].name)
	for _, fn := range Required {
		assert.Contains(t, libs[0].code, "'"+fn+"'")
	}
}

func expectLoad(mock redismock.ClientMock, lib library, fns ...string) {
	mock.ExpectFunctionLoadReplace(lib.code).SetVal(lib.name)
	info := redis.Library{Name: lib.name, Engine: "LUA"}
	for _, fn := range fns {
		info.Functions = append(info.Functions, redis.Function{Name: fn})
	}
	mock.ExpectFunctionList(redis.FunctionListQuery{LibraryNamePattern: lib.name}).SetVal([]redis.Library{info})
}

func TestLoadAll(t *testing.T) {
	libs, err := libraries()
	require.NoError(t, err)
	db, mock := redismock.NewClientMock()

	expectLoad(mock, libs[0], Required...)

	require.NoError(t, LoadAll(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadAllMissingFunction(t *testing.T) {
	libs, err := libraries()
	require.NoError(t, err)
	db, mock := redismock.NewClientMock()

	expectLoad(mock, libs[0], PutSnapshot, ApplyBid)

	err = LoadAll(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EndListing)
}

func TestLoadAllLoadError(t *testing.T) {
	libs, err := libraries()
	require.NoError(t, err)
	db, mock := redismock.NewClientMock()

	mock.ExpectFunctionLoadReplace(libs[0].code).SetErr(errors.New("ERR syntax"))

	err = LoadAll(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load lua")
}
