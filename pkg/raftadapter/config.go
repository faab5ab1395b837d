package raftadapter

import (
	"distlog/pkg/config"

	"go.etcd.io/etcd/raft/v3"
)

func toRaftConfig(c config.RaftConfig, id uint64) *raft.Config {
	return &raft.Config{
		ID:                        id,
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxCommittedSizePerReady:  c.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: c.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               c.CheckQuorum,
		PreVote:                   c.PreVote,
		ReadOnlyOption:            raft.ReadOnlySafe,
		Logger:                    raftLogger{},
	}
}
