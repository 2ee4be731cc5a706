/*
Package regtest drives a Bitcoin Core regtest node over JSON-RPC to build
wallet and transaction fixtures.

A Regtest value owns the base (wallet-less) connection to one node and one
connection per wallet, bound to the node's /wallet/<name> endpoint. There is
no package-level state: every operation hangs off the Regtest it was created
from.

Quick Start

	rt, err := regtest.New(nil)
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close()

	if err := rt.StartNode(); err != nil {
		log.Fatal(err)
	}
	defer rt.StopNode()

	miner, _ := rt.EnsureWallet("miner")
	rt.Warp(miner, 101) // mature the first coinbase
	rt.Sync(miner)

	height, _ := rt.GetBlockCount()
	fmt.Printf("Block height: %d\n", height)

# Wallets

EnsureWallet is idempotent. It reuses a loaded wallet, loads one that exists
on disk, or creates a descriptor wallet, and recovers from the
"database already exists" race between create and load.

# Synchronization

Wallet indexing lags block production. Sync polls a wallet until it reports
a spendable balance and has processed the chain tip, and forces a rescan when
the polling budget (Config.Sync) runs out. It never fails: a timeout is
logged as a warning.

# Transport

Every call goes through a rate limiter, a circuit breaker that only counts
transport failures, and prometheus collectors labelled by method and result.
Errors reported by the node come back as *RPCError carrying the method name
and Bitcoin Core error code.

# Configuration

Default settings:
  - RPC host: 127.0.0.1:18443
  - RPC user: user
  - RPC pass: pass
  - Data directory: ./bitcoind_regtest

Amounts are shopspring/decimal values and are sent to the node as JSON
numbers with eight decimals.

# Prerequisites

StartNode, StopNode and NodeRunning need Bitcoin Core on PATH and the
scripts/bitcoind_manager.sh script. The rest of the package works against
any reachable node.
*/
package regtest
