package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/squareup/blockmgr/common"
	"github.com/squareup/blockmgr/errors"
	"github.com/squareup/blockmgr/migration"
)

const (
	PartitionsPath = "/partitions"
	OwnerPath      = "/owner"
	TableHashPath  = "/table/hash"
	RecordsPath    = "/records"

	maxValueSize = 16 * 1024 * 1024
)

type partitionService interface {
	Partitions() ([]migration.PartitionOwnership, error)
	PartitionForKey(key []byte) (migration.PartitionOwnership, error)
	TableHash() (uint64, error)
	IsStale(hash uint64) (bool, error)
	PutRecord(mapName string, key []byte, value []byte, indexes []int64, indexTypes []byte) error
}

// PartitionInfo is the JSON form of the ownership of one partition.
type PartitionInfo struct {
	PartitionID     int    `json:"partition_id"`
	Owner           string `json:"owner,omitempty"`
	MigrationTarget string `json:"migration_target,omitempty"`
	Migrating       bool   `json:"migrating"`
}

type TableHashInfo struct {
	Hash  string `json:"hash"`
	Stale *bool  `json:"stale,omitempty"`
}

// HTTPAPIServer exposes the partition table of a node over HTTP.
type HTTPAPIServer struct {
	listenAddress string
	listener      net.Listener
	httpServer    *http.Server
	closeWg       sync.WaitGroup
	service       partitionService
}

func NewHTTPAPIServer(listenAddress string, service partitionService) *HTTPAPIServer {
	return &HTTPAPIServer{
		listenAddress: listenAddress,
		service:       service,
	}
}

func (s *HTTPAPIServer) Start() error {
	sm := http.NewServeMux()
	sm.HandleFunc(PartitionsPath, s.handlePartitions)
	sm.HandleFunc(OwnerPath, s.handleOwner)
	sm.HandleFunc(TableHashPath, s.handleTableHash)
	sm.HandleFunc(RecordsPath, s.handleRecords)
	s.httpServer = &http.Server{
		Handler:     sm,
		IdleTimeout: 0,
	}
	var err error
	s.listener, err = net.Listen("tcp", s.listenAddress)
	if err != nil {
		return errors.WithStack(err)
	}
	s.closeWg = sync.WaitGroup{}
	s.closeWg.Add(1)
	go func() {
		err := s.httpServer.Serve(s.listener)
		if err != http.ErrServerClosed {
			log.Errorf("Failed to start the HTTP API server: %v", err)
		}
		s.closeWg.Done()
	}()
	return nil
}

func (s *HTTPAPIServer) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.WithStack(err)
	}
	s.closeWg.Wait()
	return nil
}

// ListenAddress is the address the server is listening on, which differs from the configured one when that has port 0.
func (s *HTTPAPIServer) ListenAddress() string {
	return s.listener.Addr().String()
}

func (s *HTTPAPIServer) handlePartitions(writer http.ResponseWriter, request *http.Request) {
	defer common.PanicHandler()
	if !checkMethod(writer, request, http.MethodGet) {
		return
	}
	partitions, err := s.service.Partitions()
	if err != nil {
		sendError(err, writer)
		return
	}
	infos := make([]PartitionInfo, len(partitions))
	for i, po := range partitions {
		infos[i] = toPartitionInfo(po)
	}
	writeJSON(writer, infos)
}

func (s *HTTPAPIServer) handleOwner(writer http.ResponseWriter, request *http.Request) {
	defer common.PanicHandler()
	if !checkMethod(writer, request, http.MethodGet) {
		return
	}
	key := request.URL.Query().Get("key")
	if key == "" {
		http.Error(writer, "missing 'key' query parameter", http.StatusBadRequest)
		return
	}
	po, err := s.service.PartitionForKey([]byte(key))
	if err != nil {
		sendError(err, writer)
		return
	}
	writeJSON(writer, toPartitionInfo(po))
}

func (s *HTTPAPIServer) handleTableHash(writer http.ResponseWriter, request *http.Request) {
	defer common.PanicHandler()
	if !checkMethod(writer, request, http.MethodGet) {
		return
	}
	hash, err := s.service.TableHash()
	if err != nil {
		sendError(err, writer)
		return
	}
	info := TableHashInfo{Hash: strconv.FormatUint(hash, 10)}
	if sHash := request.URL.Query().Get("hash"); sHash != "" {
		callerHash, err := strconv.ParseUint(sHash, 10, 64)
		if err != nil {
			http.Error(writer, fmt.Sprintf("invalid hash %s", sHash), http.StatusBadRequest)
			return
		}
		stale, err := s.service.IsStale(callerHash)
		if err != nil {
			sendError(err, writer)
			return
		}
		info.Stale = &stale
	}
	writeJSON(writer, info)
}

// handleRecords stores the request body as the value of a key in a map. The partition of the key must be owned by
// this node.
func (s *HTTPAPIServer) handleRecords(writer http.ResponseWriter, request *http.Request) {
	defer common.PanicHandler()
	if !checkMethod(writer, request, http.MethodPut) {
		return
	}
	query := request.URL.Query()
	mapName := query.Get("map")
	key := query.Get("key")
	if mapName == "" || key == "" {
		http.Error(writer, "missing 'map' or 'key' query parameter", http.StatusBadRequest)
		return
	}
	value, err := ioutil.ReadAll(http.MaxBytesReader(writer, request.Body, maxValueSize))
	if err != nil {
		http.Error(writer, fmt.Sprintf("failed to read value %v", err), http.StatusBadRequest)
		return
	}
	if err := s.service.PutRecord(mapName, []byte(key), value, nil, nil); err != nil {
		sendError(err, writer)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func toPartitionInfo(po migration.PartitionOwnership) PartitionInfo {
	info := PartitionInfo{PartitionID: po.PartitionID}
	if po.Owner != nil {
		info.Owner = po.Owner.Address
	}
	if po.MigrationTarget != nil {
		info.MigrationTarget = po.MigrationTarget.Address
		info.Migrating = true
	}
	return info
}

func checkMethod(writer http.ResponseWriter, request *http.Request, method string) bool {
	if request.Method != method {
		http.Error(writer, fmt.Sprintf("%s only supports the %s method", request.URL.Path, method), http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(writer http.ResponseWriter, v interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		log.Errorf("failed to write response %v", err)
	}
}

func sendError(err error, writer http.ResponseWriter) {
	var be errors.BlockError
	if !errors.As(err, &be) {
		http.Error(writer, common.LogInternalError(err).Error(), http.StatusInternalServerError)
		return
	}
	var statusCode int
	switch be.Code {
	case errors.PartitionNotOwned:
		statusCode = http.StatusConflict
	case errors.PartitionMigrating, errors.NotStarted:
		statusCode = http.StatusServiceUnavailable
	case errors.InternalError:
		statusCode = http.StatusInternalServerError
	default:
		statusCode = http.StatusBadRequest
	}
	http.Error(writer, be.Msg, statusCode)
}
