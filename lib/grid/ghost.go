package grid

/* ghost.go contains the ghost-exchange pipeline: planning which payloads
have to travel between which ranks, packing and posting the transfers, and
installing received payloads. The same machinery moves payloads during
refinement and migration; only the destination map differs. */

import (
	"sort"

	"github.com/phil-mansfield/refgrid/lib/comm"
	r_error "github.com/phil-mansfield/refgrid/lib/error"
	"github.com/phil-mansfield/refgrid/lib/index"
)

// assignTags sorts every per-peer transfer list by cell id and numbers the
// entries 1, 2, ... so that tags are identical on the sending and receiving
// rank without negotiation.
func (g *Grid[T]) assignTags() {
	for _, items := range g.cellsToSend {
		sort.Slice(items, func(i, j int) bool { return items[i].cell < items[j].cell })
		for i := range items {
			items[i].tag = i + 1
		}
	}
	for _, items := range g.cellsToReceive {
		sort.Slice(items, func(i, j int) bool { return items[i].cell < items[j].cell })
		for i := range items {
			items[i].tag = i + 1
		}
	}
}

// recalculateNeighborUpdateLists rebuilds the ghost-exchange plan from the
// current neighbor lists: payloads of remote cells in local neighbor lists
// are received from their owners, and local cells that remote cells consider
// neighbors are sent to those cells' owners. A cell travels to a peer at
// most once.
func (g *Grid[T]) recalculateNeighborUpdateLists() {
	g.cellsToSend = map[int][]cellTag{}
	g.cellsToReceive = map[int][]cellTag{}

	uniqueSend := map[int]map[uint64]bool{}
	uniqueReceive := map[int]map[uint64]bool{}

	for cell := range g.cellsWithRemoteNeighbors {
		for _, neighbor := range g.neighborsOf[cell] {
			if neighbor == index.ErrorCell {
				continue
			}
			owner := g.directory[neighbor]
			if owner != g.comm.Rank() {
				if uniqueReceive[owner] == nil {
					uniqueReceive[owner] = map[uint64]bool{}
				}
				uniqueReceive[owner][neighbor] = true
			}
		}

		for _, neighbor := range g.neighborsTo[cell] {
			owner := g.directory[neighbor]
			if owner != g.comm.Rank() {
				if uniqueSend[owner] == nil {
					uniqueSend[owner] = map[uint64]bool{}
				}
				uniqueSend[owner][cell] = true
			}
		}
	}

	for peer, cells := range uniqueSend {
		items := make([]cellTag, 0, len(cells))
		for cell := range cells {
			items = append(items, cellTag{cell, -1})
		}
		g.cellsToSend[peer] = items
	}
	for peer, cells := range uniqueReceive {
		items := make([]cellTag, 0, len(cells))
		for cell := range cells {
			items = append(items, cellTag{cell, -1})
		}
		g.cellsToReceive[peer] = items
	}

	g.assignTags()
}

// startTransfers posts the receives and sends of the current plan. Received
// payloads are installed into dest by waitTransferReceives. Sent payloads
// are read from the local store.
func (g *Grid[T]) startTransfers(dest map[uint64]*T) {
	g.recvDest = dest

	if !g.oneMessagePerPeer {
		// one message per cell, tagged by plan position
		for sender, items := range g.cellsToReceive {
			for _, item := range items {
				g.pendingRecvs = append(g.pendingRecvs, pendingRecv{
					cell: item.cell,
					req:  g.comm.Irecv(sender, item.tag),
				})
			}
		}

		for receiver, items := range g.cellsToSend {
			for _, item := range items {
				g.sendRequests = append(g.sendRequests, g.comm.Isend(
					receiver, item.tag,
					g.codec.Marshal(nil, g.sendPayload(item.cell)),
				))
			}
		}
		return
	}

	// one message per peer: fixed-size payloads concatenated in id order
	for sender, items := range g.cellsToReceive {
		cells := make([]uint64, len(items))
		for i := range items {
			cells[i] = items[i].cell
		}
		tag := sender*g.comm.Size() + g.comm.Rank()
		g.collectRecvs = append(g.collectRecvs, collectRecv{
			sender: sender, cells: cells, req: g.comm.Irecv(sender, tag),
		})
	}

	for receiver, items := range g.cellsToSend {
		buf := make([]byte, 0, g.fixedSize*len(items))
		for _, item := range items {
			buf = g.codec.Marshal(buf, g.sendPayload(item.cell))
		}
		tag := g.comm.Rank()*g.comm.Size() + receiver
		g.sendRequests = append(g.sendRequests, g.comm.Isend(receiver, tag, buf))
	}
}

// sendPayload returns the outgoing payload of a cell, which must be in the
// local store.
func (g *Grid[T]) sendPayload(cell uint64) *T {
	payload, ok := g.cells[cell]
	if !ok {
		r_error.Internal(
			"Rank %d: no payload for outgoing cell %d.", g.comm.Rank(), cell,
		)
	}
	return payload
}

// waitTransferReceives blocks until every posted receive has completed and
// installs the payloads into the destination map given to startTransfers.
func (g *Grid[T]) waitTransferReceives() {
	for _, pending := range g.pendingRecvs {
		data, err := pending.req.Wait()
		if err != nil {
			r_error.Internal(
				"Rank %d: receive failed for cell %d: %v",
				g.comm.Rank(), pending.cell, err,
			)
		}

		payload := new(T)
		if err := g.codec.Unmarshal(data, payload); err != nil {
			r_error.Internal(
				"Rank %d: payload of cell %d doesn't decode: %v",
				g.comm.Rank(), pending.cell, err,
			)
		}
		g.recvDest[pending.cell] = payload
	}
	g.pendingRecvs = nil

	for _, pending := range g.collectRecvs {
		data, err := pending.req.Wait()
		if err != nil {
			r_error.Internal(
				"Rank %d: receive failed from rank %d: %v",
				g.comm.Rank(), pending.sender, err,
			)
		}
		if len(data) != g.fixedSize*len(pending.cells) {
			r_error.Internal(
				"Rank %d: expected %d payload bytes from rank %d, got %d.",
				g.comm.Rank(), g.fixedSize*len(pending.cells),
				pending.sender, len(data),
			)
		}

		for i, cell := range pending.cells {
			payload := new(T)
			chunk := data[i*g.fixedSize : (i+1)*g.fixedSize]
			if err := g.codec.Unmarshal(chunk, payload); err != nil {
				r_error.Internal(
					"Rank %d: payload of cell %d doesn't decode: %v",
					g.comm.Rank(), cell, err,
				)
			}
			g.recvDest[cell] = payload
		}
	}
	g.collectRecvs = nil
}

// waitTransferSends blocks until every posted send has completed.
func (g *Grid[T]) waitTransferSends() {
	if _, err := comm.WaitAll(g.sendRequests); err != nil {
		r_error.Internal("Rank %d: send failed: %v", g.comm.Rank(), err)
	}
	g.sendRequests = nil
}

// UpdateRemoteNeighborData sends the payload of every local cell that a
// remote cell considers a neighbor to that cell's rank, and receives the
// payloads of every remote cell in a local neighbor list. Collective.
func (g *Grid[T]) UpdateRemoteNeighborData() {
	g.StartRemoteNeighborDataUpdate()
	g.WaitNeighborDataUpdate()
}

// StartRemoteNeighborDataUpdate posts the ghost exchange's transfers and
// returns without waiting, so computation on interior cells can overlap the
// communication. Collective.
func (g *Grid[T]) StartRemoteNeighborDataUpdate() {
	g.startTransfers(g.remotePayloads)
}

// WaitNeighborDataUpdate blocks until the ghost exchange started by
// StartRemoteNeighborDataUpdate has fully completed. Collective.
func (g *Grid[T]) WaitNeighborDataUpdate() {
	g.WaitNeighborDataUpdateReceives()
	g.WaitNeighborDataUpdateSends()
}

// WaitNeighborDataUpdateReceives blocks until the ghost exchange's receives
// have completed and the remote payload copies are readable.
func (g *Grid[T]) WaitNeighborDataUpdateReceives() {
	g.waitTransferReceives()
}

// WaitNeighborDataUpdateSends blocks until the ghost exchange's sends have
// completed and the local payloads may be modified again.
func (g *Grid[T]) WaitNeighborDataUpdateSends() {
	g.waitTransferSends()
}

// UpdateSendCellCount returns the number of payloads this rank sends during
// a ghost exchange. A cell going to several ranks is counted once per rank.
func (g *Grid[T]) UpdateSendCellCount() uint64 {
	count := uint64(0)
	for _, items := range g.cellsToSend {
		count += uint64(len(items))
	}
	return count
}

// UpdateReceiveCellCount returns the number of payloads this rank receives
// during a ghost exchange.
func (g *Grid[T]) UpdateReceiveCellCount() uint64 {
	count := uint64(0)
	for _, items := range g.cellsToReceive {
		count += uint64(len(items))
	}
	return count
}
