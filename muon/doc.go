/*
Licensed to the Apache Software Foundation (ASF) under one
or more contributor license agreements.  See the NOTICE file
distributed with this work for additional information
regarding copyright ownership.  The ASF licenses this file
to you under the Apache License, Version 2.0 (the
"License"); you may not use this file except in compliance
with the License.  You may obtain a copy of the License at

  http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing,
software distributed under the License is distributed on an
"AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
KIND, either express or implied.  See the License for the
specific language governing permissions and limitations
under the License.
*/

/*
Package muon is an event-driven messaging API with automatic reconnection.

A Container owns connections; each Connection is a durable handle whose
underlying transport may be replaced many times without the application
noticing. When a transport fails with a recoverable error and the
connection was created with the Reconnect option, the connection walks its
endpoint list (the original target plus any failover URLs) with exponential
backoff between attempts, re-opens, and re-attaches its links. Failures the
peer will never forgive, such as rejected credentials or a protocol
mismatch, are surfaced immediately instead.

Applications implement Handler (usually by embedding NopHandler) and drive
everything from its callbacks. All callbacks for one connection are
serialized on that connection's work queue, so handler code needs no
locking of its own. The callback contract around failure is strict: a
Connection reports OnTransportError at most once, with its terminal error,
and OnTransportClose exactly once, always last. Intermediate failures
absorbed by reconnection report only OnConnectionReconnecting.

# DEVELOPER NOTES

Each connect attempt is a transport (transport.go) driving a proton.Engine
on its own goroutine; the engine posts events into the connection's work
queue and the connection ignores events from any attempt it has abandoned.
All connection state (connection.go) is owned by the queue goroutine, so
transitions never need a lock. The retry schedule and endpoint rotation
live in reconnect.go; error classification lives in error.go.
*/
package muon
