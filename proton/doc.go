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
Package proton runs one transport at a time: it owns a single net.Conn,
performs the security and protocol handshake on it, and turns the byte
stream into a sequence of Events.

An Engine is deliberately ephemeral. The durable connection identity, the
decision to retry a failed transport and the application-facing callback
contract all live a layer up, in package muon; proton's only promises are
that a transport's outcome is reported exactly once and that no event is
delivered after the owner aborts the attempt.

Most applications never use this package directly.
*/
package proton
